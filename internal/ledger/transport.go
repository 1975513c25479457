package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trailmark/trailmark/internal/audit"
)

// Options configures a Transport.
type Options struct {
	Store BlobStore
	// Keys generates seeds for channels appended to without one.
	// Defaults to audit.RandomKeys.
	Keys audit.KeyGenerator
	// MinWeightMagnitude is the number of leading zero bits every
	// envelope's proof of work must reach, on write and on read.
	MinWeightMagnitude int
	Logger             *slog.Logger
}

// Transport implements audit.Transport on top of a BlobStore.
type Transport struct {
	store     BlobStore
	keys      audit.KeyGenerator
	minWeight int
	logger    *slog.Logger
}

var _ audit.Transport = (*Transport)(nil)

// NewTransport validates opts and fills in defaults.
func NewTransport(opts Options) (*Transport, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: blob store is required")
	}
	if opts.MinWeightMagnitude < 0 || opts.MinWeightMagnitude > MaxWeightMagnitude {
		return nil, fmt.Errorf("ledger: minWeightMagnitude must be between 0 and %d, got %d",
			MaxWeightMagnitude, opts.MinWeightMagnitude)
	}
	if opts.Keys == nil {
		opts.Keys = audit.RandomKeys{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		store:     opts.Store,
		keys:      opts.Keys,
		minWeight: opts.MinWeightMagnitude,
		logger:    opts.Logger,
	}, nil
}

// Append writes packet at the position given by state and returns the
// advanced state. An empty seed opens a new channel with a generated one.
func (t *Transport) Append(ctx context.Context, state audit.CryptoState, packet audit.Packet, seed string) (*audit.AppendResult, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if seed == "" {
		s, err := t.keys.Generate(audit.DefaultKeyLength)
		if err != nil {
			return nil, fmt.Errorf("ledger: generating seed: %w", err)
		}
		seed = s
	}

	root, err := rootFor(seed, state.Start, state.SecurityLevel)
	if err != nil {
		return nil, err
	}
	address, err := addressFor(root, state.Mode)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("ledger: encoding packet: %w", err)
	}
	env, err := seal(state.Mode, root, state.Key, address, plaintext)
	if err != nil {
		return nil, err
	}
	if err := prove(ctx, env, address, t.minWeight); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ledger: encoding envelope: %w", err)
	}
	if err := t.store.Put(ctx, address, raw); err != nil {
		if errors.Is(err, ErrAddressInUse) {
			return nil, fmt.Errorf("appending at start %d: %w: %w", state.Start, audit.ErrPositionTaken, err)
		}
		return nil, fmt.Errorf("appending at start %d: %w", state.Start, err)
	}

	next := state
	next.Start++
	next.Index++

	t.logger.Debug("ledger entry attached", "root", root, "address", address, "start", state.Start, "mode", state.Mode)
	return &audit.AppendResult{State: next, Seed: seed, Root: root, Address: address}, nil
}

// Fetch reads and opens the entry at root.
func (t *Transport) Fetch(ctx context.Context, root string, mode audit.Mode, key string) (*audit.Packet, error) {
	if mode == audit.ModeRestricted && key == "" {
		return nil, audit.ErrMissingKeyMaterial
	}
	address, err := addressFor(root, mode)
	if err != nil {
		return nil, err
	}

	raw, err := t.store.Get(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", root, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ledger: decoding envelope at %s: %w", address, err)
	}
	if weight(&env, address) < t.minWeight {
		return nil, fmt.Errorf("%w at %s", ErrWeakProof, address)
	}
	plaintext, err := open(&env, mode, root, key, address)
	if err != nil {
		return nil, err
	}

	var packet audit.Packet
	if err := json.Unmarshal(plaintext, &packet); err != nil {
		return nil, fmt.Errorf("ledger: decoding packet at %s: %w", address, err)
	}
	return &packet, nil
}
