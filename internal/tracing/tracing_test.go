package tracing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/trailmark/trailmark/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_FileOutput(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	out := filepath.Join(t.TempDir(), "spans.jsonl")
	shutdown, err := Setup(config.TracingConfig{
		Enabled:     true,
		ServiceName: "trailmark-test",
		SampleRatio: 1,
		Output:      out,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "audit.Commit")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading span output: %v", err)
	}
	if !strings.Contains(string(data), "audit.Commit") {
		t.Errorf("span not exported:\n%s", data)
	}
	if !strings.Contains(string(data), "trailmark-test") {
		t.Errorf("service name missing from exported span")
	}
}

func TestNewProvider_SampleRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{1, 1},
		{0, 0},
	}
	for _, tt := range tests {
		exp := tracetest.NewInMemoryExporter()
		p := NewProvider(exp, "svc", tt.ratio)
		_, span := p.Tracer("test").Start(context.Background(), "op")
		span.End()
		if err := p.ForceFlush(context.Background()); err != nil {
			t.Fatalf("ForceFlush: %v", err)
		}
		if got := len(exp.GetSpans()); got != tt.want {
			t.Errorf("ratio %v: exported %d spans, want %d", tt.ratio, got, tt.want)
		}
		_ = p.Shutdown(context.Background())
	}
}
