package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailmark/trailmark/internal/api"
	"github.com/trailmark/trailmark/internal/audit"
	"github.com/trailmark/trailmark/internal/config"
	"github.com/trailmark/trailmark/internal/index"
	"github.com/trailmark/trailmark/internal/ledger"
	"github.com/trailmark/trailmark/internal/metrics"
	"github.com/trailmark/trailmark/internal/notify"
	"github.com/trailmark/trailmark/internal/tracing"
)

// stack is every subsystem wired together from one config.
type stack struct {
	cfg        *config.Config
	index      index.Store
	engine     *audit.Engine
	metrics    *metrics.Collector
	dispatcher *notify.Dispatcher
	feed       *api.Feed

	shutdownTracing tracing.ShutdownFunc
}

// buildStack opens the index and ledger and starts the notification
// pipeline. withFeed adds the websocket feed as a sink; only the server
// has clients for it.
func buildStack(ctx context.Context, cfg *config.Config, withFeed bool) (*stack, error) {
	st := &stack{cfg: cfg}

	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	st.shutdownTracing = shutdown

	st.index, err = index.Open(ctx, index.Config{
		Driver: cfg.Index.Driver,
		Path:   cfg.Index.Path,
		Redis: index.RedisConfig{
			Addr:     cfg.Index.Redis.Addr,
			Password: cfg.Index.Redis.Password,
			DB:       cfg.Index.Redis.DB,
			Prefix:   cfg.Index.Redis.Prefix,
		},
	})
	if err != nil {
		st.close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		st.close()
		return nil, err
	}
	transport, err := ledger.NewTransport(ledger.Options{
		Store:              store,
		MinWeightMagnitude: cfg.Ledger.MinWeightMagnitude,
		Logger:             slog.Default(),
	})
	if err != nil {
		st.close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		st.metrics = metrics.New()
	}

	var sinks []notify.Sink
	if cfg.Notify.Kafka.Enabled {
		k, err := notify.NewKafka(notify.KafkaConfig{
			Brokers:      cfg.Notify.Kafka.Brokers,
			Topic:        cfg.Notify.Kafka.Topic,
			WriteTimeout: time.Duration(cfg.Notify.Kafka.WriteTimeoutMs) * time.Millisecond,
		}, slog.Default())
		if err != nil {
			st.close()
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if withFeed && cfg.Feed.Enabled {
		var onClients func(int)
		if st.metrics != nil {
			onClients = st.metrics.FeedClients
		}
		st.feed = api.NewFeed(onClients)
		sinks = append(sinks, st.feed)
	}

	opts := audit.Options{
		Index:           st.index,
		Transport:       transport,
		DefaultMode:     audit.Mode(cfg.Engine.DefaultMode),
		SecurityLevel:   cfg.Engine.SecurityLevel,
		KeyLength:       cfg.Engine.KeyLength,
		ReservedChannel: cfg.Engine.ReservedChannel,
		MaxHistoryDepth: cfg.Engine.MaxHistoryDepth,
	}
	if st.metrics != nil {
		opts.Recorder = st.metrics
	}
	if len(sinks) > 0 {
		nopts := notify.Options{Logger: slog.Default()}
		if st.metrics != nil {
			nopts.OnResult = st.metrics.Published
		}
		st.dispatcher = notify.NewDispatcher(nopts, sinks...)
		opts.OnCommit = st.dispatcher.Notify
	}

	st.engine, err = audit.New(opts)
	if err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.BlobStore, error) {
	switch cfg.Driver {
	case "", "localfs":
		return ledger.NewLocalFS(cfg.Dir)
	case "s3":
		return ledger.NewS3(ctx, ledger.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, slog.Default())
	case "memory":
		slog.Warn("ledger driver is memory; entries are lost on exit")
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// close flushes queued notifications, then releases the index and the
// tracer. The dispatcher closes the feed along with the other sinks.
func (st *stack) close() error {
	var errs []error
	if st.dispatcher != nil {
		errs = append(errs, st.dispatcher.Close())
	} else if st.feed != nil {
		errs = append(errs, st.feed.Close())
	}
	if st.index != nil {
		errs = append(errs, st.index.Close())
	}
	if st.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, st.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
