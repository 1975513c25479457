// Package index is the local store of channel cursors and asset pointers.
//
// The ledger holds the entries; the index only remembers where each
// channel will write next and where each asset's newest entry is. Two
// backends are provided: SQLite (default, single file) and Redis.
package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trailmark/trailmark/internal/audit"
)

// Store is the engine's ChannelIndex plus the operations the CLI and
// export need.
type Store interface {
	audit.ChannelIndex
	ListAssets(ctx context.Context, channelID string) ([]audit.AssetPointer, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite" or "redis"
	Path   string // sqlite database file
	Redis  RedisConfig
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}

// ChannelRecord is the persisted form of a ChannelConfig. It is also
// the "config" object of the export document.
type ChannelRecord struct {
	Seed        *string           `json:"seed,omitempty"`
	Root        string            `json:"root"`
	CryptoState audit.CryptoState `json:"cryptoState"`
}

func toRecord(cfg audit.ChannelConfig) ChannelRecord {
	rec := ChannelRecord{Root: cfg.Root, CryptoState: cfg.State}
	if seed, ok := cfg.Seed(); ok {
		rec.Seed = &seed
	}
	return rec
}

func fromRecord(channelID string, rec ChannelRecord) audit.ChannelConfig {
	seed := ""
	if rec.Seed != nil {
		seed = *rec.Seed
	}
	return audit.ChannelConfig{
		ChannelID: channelID,
		Root:      rec.Root,
		State:     rec.CryptoState,
		Access:    audit.AccessFor(seed),
	}
}

func encodeRecord(cfg audit.ChannelConfig) ([]byte, error) {
	b, err := json.Marshal(toRecord(cfg))
	if err != nil {
		return nil, fmt.Errorf("encoding channel %q: %w", cfg.ChannelID, err)
	}
	return b, nil
}
