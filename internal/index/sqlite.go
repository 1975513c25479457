package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/trailmark/trailmark/internal/audit"
)

// SQLite keeps the index in a single database file.
// The default location is ~/.trailmark/index.db.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the index database and its tables.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	// WAL lets the CLI read while a server is committing.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			seed        TEXT,
			root        TEXT NOT NULL DEFAULT '',
			mode        TEXT NOT NULL,
			side_key    TEXT NOT NULL DEFAULT '',
			count       INTEGER NOT NULL DEFAULT 0,
			next_count  INTEGER NOT NULL DEFAULT 1,
			idx         INTEGER NOT NULL DEFAULT 0,
			start       INTEGER NOT NULL DEFAULT 0,
			security    INTEGER NOT NULL DEFAULT 2,
			updated_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS assets (
			channel_id  TEXT NOT NULL,
			asset_id    TEXT NOT NULL,
			root        TEXT NOT NULL,
			current     TEXT NOT NULL,
			version     INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (channel_id, asset_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const channelColumns = "id, seed, root, mode, side_key, count, next_count, idx, start, security"

func (s *SQLite) GetChannel(ctx context.Context, channelID string) (audit.ChannelConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", channelID)
	cfg, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.ChannelConfig{}, false, nil
	}
	if err != nil {
		return audit.ChannelConfig{}, false, fmt.Errorf("reading channel %q: %w", channelID, err)
	}
	return cfg, true, nil
}

func (s *SQLite) PutChannel(ctx context.Context, cfg audit.ChannelConfig) error {
	return putChannel(ctx, s.db, cfg)
}

func (s *SQLite) GetAsset(ctx context.Context, channelID, assetID string) (audit.AssetPointer, bool, error) {
	a := audit.AssetPointer{AssetID: assetID}
	err := s.db.QueryRowContext(ctx,
		"SELECT root, current, version FROM assets WHERE channel_id = ? AND asset_id = ?",
		channelID, assetID,
	).Scan(&a.RootLocator, &a.CurrentLocator, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.AssetPointer{}, false, nil
	}
	if err != nil {
		return audit.AssetPointer{}, false, fmt.Errorf("reading asset %q on %q: %w", assetID, channelID, err)
	}
	return a, true, nil
}

func (s *SQLite) PutAsset(ctx context.Context, channelID string, asset audit.AssetPointer) error {
	return putAsset(ctx, s.db, channelID, asset)
}

// SaveCommit writes both records in one transaction.
func (s *SQLite) SaveCommit(ctx context.Context, cfg audit.ChannelConfig, asset audit.AssetPointer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putChannel(ctx, tx, cfg); err != nil {
		return err
	}
	if err := putAsset(ctx, tx, cfg.ChannelID, asset); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index transaction: %w", err)
	}
	return nil
}

func (s *SQLite) ListChannels(ctx context.Context) ([]audit.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+channelColumns+" FROM channels ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []audit.ChannelConfig
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLite) ListAssets(ctx context.Context, channelID string) ([]audit.AssetPointer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT asset_id, root, current, version FROM assets WHERE channel_id = ? ORDER BY asset_id",
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing assets of %q: %w", channelID, err)
	}
	defer rows.Close()

	var out []audit.AssetPointer
	for rows.Next() {
		var a audit.AssetPointer
		if err := rows.Scan(&a.AssetID, &a.RootLocator, &a.CurrentLocator, &a.Version); err != nil {
			return nil, fmt.Errorf("scanning asset row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (audit.ChannelConfig, error) {
	var (
		cfg  audit.ChannelConfig
		seed sql.NullString
		mode string
	)
	err := row.Scan(
		&cfg.ChannelID, &seed, &cfg.Root, &mode, &cfg.State.Key,
		&cfg.State.Count, &cfg.State.NextCount, &cfg.State.Index,
		&cfg.State.Start, &cfg.State.SecurityLevel,
	)
	if err != nil {
		return audit.ChannelConfig{}, err
	}
	cfg.State.Mode = audit.Mode(mode)
	cfg.Access = audit.AccessFor(seed.String)
	return cfg, nil
}

func putChannel(ctx context.Context, db execer, cfg audit.ChannelConfig) error {
	var seed sql.NullString
	if s, ok := cfg.Seed(); ok {
		seed = sql.NullString{String: s, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO channels (`+channelColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ChannelID, seed, cfg.Root, string(cfg.State.Mode), cfg.State.Key,
		cfg.State.Count, cfg.State.NextCount, cfg.State.Index, cfg.State.Start,
		cfg.State.SecurityLevel, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing channel %q: %w", cfg.ChannelID, err)
	}
	return nil
}

func putAsset(ctx context.Context, db execer, channelID string, a audit.AssetPointer) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO assets (channel_id, asset_id, root, current, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, a.AssetID, a.RootLocator, a.CurrentLocator, a.Version,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing asset %q on %q: %w", a.AssetID, channelID, err)
	}
	return nil
}
