package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trailmark/trailmark/internal/audit"
)

type recordingSink struct {
	name   string
	fail   bool
	mu     sync.Mutex
	got    []audit.CommitEvent
	closed bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, ev audit.CommitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(resource string, version int) audit.CommitEvent {
	return audit.CommitEvent{
		Channel:    "c1",
		ResourceID: resource,
		CommitType: audit.CommitUpdate,
		Version:    version,
		Root:       "root",
		Timestamp:  time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestDispatcher_DeliversInOrderToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", fail: true}

	var (
		mu      sync.Mutex
		results = map[string]int{}
		failed  int
	)
	d := NewDispatcher(Options{
		Logger: quietLogger(),
		OnResult: func(sink string, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[sink]++
			if err != nil {
				failed++
			}
		},
	}, a, b)

	for i := 0; i < 5; i++ {
		d.Notify(event("r1", i))
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, s := range []*recordingSink{a, b} {
		if len(s.got) != 5 {
			t.Fatalf("sink %s got %d events, want 5", s.name, len(s.got))
		}
		for i, ev := range s.got {
			if ev.Version != i {
				t.Errorf("sink %s event %d has version %d", s.name, i, ev.Version)
			}
		}
		if !s.closed {
			t.Errorf("sink %s not closed", s.name)
		}
	}
	if results["a"] != 5 || results["b"] != 5 || failed != 5 {
		t.Errorf("results = %v, failed = %d", results, failed)
	}
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(Options{Logger: quietLogger()}, s)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d.Notify(event("r1", 0))
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(s.got) != 0 {
		t.Errorf("event delivered after Close")
	}
}

// blockingSink holds the delivery goroutine until released.
type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (s *blockingSink) Publish(ctx context.Context, ev audit.CommitEvent) error {
	<-s.release
	return s.recordingSink.Publish(ctx, ev)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	s := &blockingSink{recordingSink: recordingSink{name: "slow"}, release: make(chan struct{})}
	d := NewDispatcher(Options{Buffer: 2, Logger: quietLogger()}, s)

	// One event in flight plus two queued; the rest must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(event("r1", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(s.release)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(s.got); n < 1 || n > 3 {
		t.Errorf("delivered %d events, want between 1 and 3", n)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, time.Second, quietLogger())

	prev := "root0"
	ev := event("r1", 1)
	ev.PrevRoot = &prev
	if err := k.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "c1/r1" {
		t.Errorf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "UPDATE" {
		t.Errorf("headers = %+v", msg.Headers)
	}

	var decoded audit.CommitEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not a commit event: %v", err)
	}
	if decoded.Version != 1 || decoded.PrevRoot == nil || *decoded.PrevRoot != "root0" {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := k.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v, closed=%v", err, w.closed)
	}
}

func TestKafka_PublishError(t *testing.T) {
	k := newKafka(&fakeWriter{err: errors.New("leader not available")}, time.Second, quietLogger())
	if err := k.Publish(context.Background(), event("r1", 0)); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewKafka_Validation(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{Topic: "t"}, quietLogger()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafka(KafkaConfig{Brokers: []string{"b:9092"}}, quietLogger()); err == nil {
		t.Error("expected error without topic")
	}
	k, err := NewKafka(KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t"}, quietLogger())
	if err != nil {
		t.Fatalf("NewKafka: %v", err)
	}
	if k.Name() != "kafka" {
		t.Errorf("name = %q", k.Name())
	}
	_ = k.Close()
}
