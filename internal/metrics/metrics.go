// Package metrics exposes engine and API counters in Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailmark/trailmark/internal/audit"
)

// Collector owns a private registry so tests and multiple servers in one
// process never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	commits      *prometheus.CounterVec
	queries      *prometheus.CounterVec
	historyDepth prometheus.Histogram
	httpRequests *prometheus.CounterVec
	feedClients  prometheus.Gauge
	published    *prometheus.CounterVec
}

var _ audit.Recorder = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trailmark",
			Name:      "commits_total",
			Help:      "Commits by commit type and outcome.",
		}, []string{"type", "outcome"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trailmark",
			Name:      "queries_total",
			Help:      "Queries by operation and outcome.",
		}, []string{"op", "outcome"}),
		historyDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trailmark",
			Name:      "history_depth",
			Help:      "Entries walked per history query.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trailmark",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trailmark",
			Name:      "feed_clients",
			Help:      "Connected live feed clients.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trailmark",
			Name:      "events_published_total",
			Help:      "Commit events handed to notification sinks, by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}

	c.registry.MustRegister(
		c.commits, c.queries, c.historyDepth, c.httpRequests, c.feedClients, c.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// outcome buckets an engine error into a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, audit.ErrCommitFailed), errors.Is(err, audit.ErrQueryFailed):
		return "ledger_error"
	default:
		if code := audit.StatusCode(err); code < 500 {
			return "rejected"
		}
		return "error"
	}
}

func (c *Collector) CommitDone(commitType string, err error) {
	if _, perr := audit.ParseCommitType(commitType); perr != nil {
		commitType = "unsupported"
	}
	c.commits.WithLabelValues(commitType, outcome(err)).Inc()
}

func (c *Collector) QueryDone(op string, err error) {
	c.queries.WithLabelValues(op, outcome(err)).Inc()
}

func (c *Collector) HistoryDepth(n int) {
	c.historyDepth.Observe(float64(n))
}

// HTTPRequest counts one served request.
func (c *Collector) HTTPRequest(route string, code int) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// FeedClients sets the number of connected feed clients.
func (c *Collector) FeedClients(n int) {
	c.feedClients.Set(float64(n))
}

// Published counts one event delivery attempt to a sink.
func (c *Collector) Published(sink string, err error) {
	o := "ok"
	if err != nil {
		o = "error"
	}
	c.published.WithLabelValues(sink, o).Inc()
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
