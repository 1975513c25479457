// Package notify delivers commit events to the outside world.
//
// The engine reports every successful commit through its OnCommit hook.
// A Dispatcher takes those events off the commit path and hands each one
// to every registered Sink (Kafka, the live websocket feed) from a single
// background goroutine, so a slow sink never holds a channel lock.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/trailmark/trailmark/internal/audit"
)

// Sink receives commit events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev audit.CommitEvent) error
	Close() error
}

// Options configures a Dispatcher.
type Options struct {
	// Buffer is the number of events queued before new ones are dropped.
	// Default 1024.
	Buffer int
	Logger *slog.Logger
	// OnResult is called after every delivery attempt. Optional.
	OnResult func(sink string, err error)
}

// Dispatcher fans events out to sinks in commit order.
type Dispatcher struct {
	sinks    []Sink
	events   chan audit.CommitEvent
	logger   *slog.Logger
	onResult func(string, error)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:    sinks,
		events:   make(chan audit.CommitEvent, opts.Buffer),
		logger:   opts.Logger,
		onResult: opts.OnResult,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues ev without blocking. When the queue is full the event is
// dropped and logged; the commit itself has already succeeded.
func (d *Dispatcher) Notify(ev audit.CommitEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("notification queue full, dropping commit event",
			"channel", ev.Channel, "resource", ev.ResourceID, "root", ev.Root)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		for _, s := range d.sinks {
			err := s.Publish(context.Background(), ev)
			if err != nil {
				d.logger.Error("publishing commit event failed",
					"sink", s.Name(), "channel", ev.Channel, "resource", ev.ResourceID, "error", err)
			}
			if d.onResult != nil {
				d.onResult(s.Name(), err)
			}
		}
	}
}

// Close delivers what is queued, then closes every sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()

	<-d.done

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
