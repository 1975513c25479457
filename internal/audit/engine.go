// Package audit implements the audit-chain engine.
//
// Every committed change to an asset is written to the ledger as an Entry
// that carries the locator of the asset's previous entry, so the history
// of an asset is a backward-linked chain ending at its first entry:
//
//	root (version n) -> prevRoot (version n-1) -> ... -> version 0 (prevRoot = nil)
//
// The engine keeps two things in the local ChannelIndex: the cryptographic
// cursor of every channel (needed to compute the next ledger position) and
// a pointer to the newest entry of every asset. Commits advance both;
// queries read the pointer and walk the chain through the Transport.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReservedChannel is the channel name no caller may commit to or
// query. It belongs to a separate audit namespace.
const DefaultReservedChannel = "_audit"

// DefaultMaxHistoryDepth bounds history walks.
const DefaultMaxHistoryDepth = 10000

// MaxSkippedPositions is how many taken ledger positions one commit may
// step over before giving up.
const MaxSkippedPositions = 16

// ChannelIndex is the local store of channel configs and asset pointers.
// Get methods report absence through the bool, never through the error.
type ChannelIndex interface {
	GetChannel(ctx context.Context, channelID string) (ChannelConfig, bool, error)
	PutChannel(ctx context.Context, cfg ChannelConfig) error
	GetAsset(ctx context.Context, channelID, assetID string) (AssetPointer, bool, error)
	PutAsset(ctx context.Context, channelID string, asset AssetPointer) error
	// SaveCommit writes the channel config and the asset pointer of one
	// commit in a single transaction.
	SaveCommit(ctx context.Context, cfg ChannelConfig, asset AssetPointer) error
	ListChannels(ctx context.Context) ([]ChannelConfig, error)
}

// AppendResult is what the ledger hands back after attaching a packet.
type AppendResult struct {
	// State replaces the channel's cursor.
	State CryptoState
	// Seed is the channel seed; the transport generates one when the
	// append was made without a seed.
	Seed string
	// Root is the public locator of the new entry.
	Root string
	// Address is where the entry is stored on the ledger.
	Address string
}

// Transport attaches packets to the ledger and fetches them back.
// A nil result with a nil error counts as a failure.
type Transport interface {
	Append(ctx context.Context, state CryptoState, packet Packet, seed string) (*AppendResult, error)
	Fetch(ctx context.Context, root string, mode Mode, key string) (*Packet, error)
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	CommitDone(commitType string, err error)
	QueryDone(op string, err error)
	HistoryDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) CommitDone(string, error) {}
func (nopRecorder) QueryDone(string, error)  {}
func (nopRecorder) HistoryDepth(int)         {}

// Options holds the engine's collaborators and settings.
type Options struct {
	Index     ChannelIndex
	Transport Transport
	// Keys generates side keys for new restricted channels. Defaults to
	// RandomKeys.
	Keys KeyGenerator

	// DefaultMode is the access mode of channels created by this engine.
	DefaultMode     Mode
	SecurityLevel   int
	KeyLength       int
	ReservedChannel string
	MaxHistoryDepth int

	Tracer   trace.Tracer
	Recorder Recorder
	// OnCommit is called after each successful commit. Optional.
	OnCommit func(CommitEvent)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the audit-chain commit/query engine. Safe for concurrent use;
// commits on the same channel are serialised.
type Engine struct {
	index     ChannelIndex
	transport Transport
	keys      KeyGenerator

	defaultMode   Mode
	securityLevel int
	keyLength     int
	reserved      string
	maxDepth      int

	tracer   trace.Tracer
	recorder Recorder
	onCommit func(CommitEvent)
	now      func() time.Time
	locks    *channelLocks
}

// New builds an engine, filling unset options with defaults.
func New(opts Options) (*Engine, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("audit engine: index is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("audit engine: transport is required")
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeRestricted
	}
	if _, err := ParseMode(string(opts.DefaultMode)); err != nil {
		return nil, fmt.Errorf("audit engine: %w", err)
	}
	if opts.Keys == nil {
		opts.Keys = RandomKeys{}
	}
	if opts.SecurityLevel == 0 {
		opts.SecurityLevel = 2
	}
	if opts.KeyLength == 0 {
		opts.KeyLength = DefaultKeyLength
	}
	if opts.ReservedChannel == "" {
		opts.ReservedChannel = DefaultReservedChannel
	}
	if opts.MaxHistoryDepth == 0 {
		opts.MaxHistoryDepth = DefaultMaxHistoryDepth
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/trailmark/trailmark/internal/audit")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		index:         opts.Index,
		transport:     opts.Transport,
		keys:          opts.Keys,
		defaultMode:   opts.DefaultMode,
		securityLevel: opts.SecurityLevel,
		keyLength:     opts.KeyLength,
		reserved:      opts.ReservedChannel,
		maxDepth:      opts.MaxHistoryDepth,
		tracer:        opts.Tracer,
		recorder:      opts.Recorder,
		onCommit:      opts.OnCommit,
		now:           opts.Now,
		locks:         newChannelLocks(),
	}, nil
}

// Commit records payload as a new entry in the asset's chain.
//
// CREATE and TRANSFER-IN start a chain (creating the channel on first
// use); UPDATE, ATTACH, DETACH and TRANSFER-OUT extend an existing one.
// Any other commit type fails with ErrUnsupportedCommitType before the
// index or ledger is touched.
func (e *Engine) Commit(ctx context.Context, channel, resourceID string, payload json.RawMessage, commitType string) (err error) {
	ctx, span := e.tracer.Start(ctx, "audit.Commit", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("resource_id", resourceID),
		attribute.String("commit_type", commitType),
	))
	defer func() {
		endSpan(span, err)
		e.recorder.CommitDone(commitType, err)
	}()

	if channel == e.reserved {
		return fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
	}
	ct, err := ParseCommitType(commitType)
	if err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("%w: empty channel name", ErrChannelNotFound)
	}

	unlock := e.locks.lock(channel)
	defer unlock()

	var event *CommitEvent
	if ct.Initial() {
		slog.Info("creating asset", "channel", channel, "resource", resourceID, "type", ct)
		event, err = e.create(ctx, channel, resourceID, payload, ct)
	} else {
		slog.Info("updating asset", "channel", channel, "resource", resourceID, "type", ct)
		event, err = e.extend(ctx, channel, resourceID, payload, ct)
	}
	if err != nil {
		slog.Error("commit failed", "channel", channel, "resource", resourceID, "type", ct, "error", err)
		return err
	}

	if e.onCommit != nil {
		e.onCommit(*event)
	}
	return nil
}

// create handles the initial branch: a new asset, possibly on a new channel.
func (e *Engine) create(ctx context.Context, channel, resourceID string, payload json.RawMessage, ct CommitType) (*CommitEvent, error) {
	cfg, found, err := e.index.GetChannel(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("loading channel %q: %w", channel, err)
	}

	var (
		state CryptoState
		seed  string
	)
	if found {
		var writable bool
		if seed, writable = cfg.Seed(); !writable {
			return nil, fmt.Errorf("%w: %q", ErrReadOnlyChannel, channel)
		}
		state = cfg.State
	} else {
		state, err = e.freshState()
		if err != nil {
			return nil, err
		}
	}

	_, exists, err := e.index.GetAsset(ctx, channel, resourceID)
	if err != nil {
		return nil, fmt.Errorf("loading asset %q on channel %q: %w", resourceID, channel, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %q on channel %q", ErrAssetExists, resourceID, channel)
	}

	packet := e.packet(state, channel, resourceID, payload, ct.EventType(), 0, nil)
	res, err := e.append(ctx, state, packet, seed)
	if err != nil {
		return nil, err
	}

	if found {
		cfg.State = res.State
	} else {
		cfg = ChannelConfig{
			ChannelID: channel,
			Root:      res.Root,
			State:     res.State,
			Access:    AccessFor(res.Seed),
		}
		slog.Info("channel created", "channel", channel, "mode", res.State.Mode, "root", res.Root)
	}
	asset := AssetPointer{
		AssetID:        resourceID,
		RootLocator:    res.Root,
		CurrentLocator: res.Root,
		Version:        0,
	}
	if err := e.save(ctx, cfg, asset, res); err != nil {
		return nil, err
	}
	return e.event(channel, resourceID, ct, packet, res), nil
}

// extend handles the subsequent branch: a new entry on an existing asset.
func (e *Engine) extend(ctx context.Context, channel, resourceID string, payload json.RawMessage, ct CommitType) (*CommitEvent, error) {
	cfg, found, err := e.index.GetChannel(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("loading channel %q: %w", channel, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, channel)
	}
	seed, writable := cfg.Seed()
	if !writable {
		return nil, fmt.Errorf("%w: %q", ErrReadOnlyChannel, channel)
	}

	asset, found, err := e.index.GetAsset(ctx, channel, resourceID)
	if err != nil {
		return nil, fmt.Errorf("loading asset %q on channel %q: %w", resourceID, channel, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q on channel %q", ErrAssetNotFound, resourceID, channel)
	}

	prev := asset.RootLocator
	packet := e.packet(cfg.State, channel, resourceID, payload, ct.EventType(), asset.Version+1, &prev)
	res, err := e.append(ctx, cfg.State, packet, seed)
	if err != nil {
		return nil, err
	}

	cfg.State = res.State
	asset.RootLocator = res.Root
	asset.CurrentLocator = res.Root
	asset.Version++
	if err := e.save(ctx, cfg, asset, res); err != nil {
		return nil, err
	}
	return e.event(channel, resourceID, ct, packet, res), nil
}

// freshState builds the cursor for a channel this engine has never seen.
func (e *Engine) freshState() (CryptoState, error) {
	var key string
	if e.defaultMode == ModeRestricted {
		k, err := e.keys.Generate(e.keyLength)
		if err != nil {
			return CryptoState{}, fmt.Errorf("generating channel key: %w", err)
		}
		key = k
		slog.Debug("generated channel key")
	}
	return NewCryptoState(e.defaultMode, key, e.securityLevel), nil
}

func (e *Engine) packet(state CryptoState, channel, resourceID string, payload json.RawMessage, eventType string, version int, prevRoot *string) Packet {
	return Packet{
		Audit: &Entry{
			ID:         strconv.Itoa(state.Start),
			Timestamp:  e.now().UTC(),
			Payload:    payload,
			ResourceID: resourceID,
			EventType:  eventType,
			ChannelID:  channel,
		},
		Metadata: Metadata{Version: version, PrevRoot: prevRoot},
	}
}

// append attaches packet at the cursor. Positions already taken on the
// ledger are stepped over, up to MaxSkippedPositions of them; they hold
// entries whose index update failed and that nothing points to.
func (e *Engine) append(ctx context.Context, state CryptoState, packet Packet, seed string) (*AppendResult, error) {
	for skipped := 0; ; skipped++ {
		res, err := e.transport.Append(ctx, state, packet, seed)
		if errors.Is(err, ErrPositionTaken) && skipped < MaxSkippedPositions {
			slog.Warn("ledger position taken, moving cursor on",
				"channel", packet.Audit.ChannelID, "start", state.Start)
			state.Start++
			state.Index++
			entry := *packet.Audit
			entry.ID = strconv.Itoa(state.Start)
			packet.Audit = &entry
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
		if res == nil {
			return nil, fmt.Errorf("%w: ledger returned no result", ErrCommitFailed)
		}
		return res, nil
	}
}

// save writes the post-commit state. A failure here leaves an attached
// ledger entry that the index does not point to, so the root is logged.
func (e *Engine) save(ctx context.Context, cfg ChannelConfig, asset AssetPointer, res *AppendResult) error {
	if err := e.index.SaveCommit(ctx, cfg, asset); err != nil {
		slog.Error("ledger entry attached but index update failed",
			"channel", cfg.ChannelID, "resource", asset.AssetID, "root", res.Root, "error", err)
		return fmt.Errorf("recording commit for %q on channel %q: %w", asset.AssetID, cfg.ChannelID, err)
	}
	slog.Debug("commit recorded",
		"channel", cfg.ChannelID, "resource", asset.AssetID,
		"version", asset.Version, "root", res.Root, "address", res.Address)
	return nil
}

func (e *Engine) event(channel, resourceID string, ct CommitType, packet Packet, res *AppendResult) *CommitEvent {
	return &CommitEvent{
		Channel:    channel,
		ResourceID: resourceID,
		CommitType: ct,
		Version:    packet.Metadata.Version,
		Root:       res.Root,
		PrevRoot:   packet.Metadata.PrevRoot,
		Timestamp:  packet.Audit.Timestamp,
	}
}

// Query returns the payload of the asset's newest entry.
func (e *Engine) Query(ctx context.Context, channel, resourceID string) (payload json.RawMessage, err error) {
	ctx, span := e.tracer.Start(ctx, "audit.Query", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("resource_id", resourceID),
	))
	defer func() {
		endSpan(span, err)
		e.recorder.QueryDone("query", err)
	}()

	cfg, asset, err := e.locate(ctx, channel, resourceID)
	if err != nil {
		return nil, err
	}
	packet, err := e.fetch(ctx, cfg, asset.RootLocator)
	if err != nil {
		return nil, err
	}
	return packet.Audit.Payload, nil
}

// QueryHistory returns the payloads of every entry of the asset, newest
// first. Either the whole chain is returned or an error.
func (e *Engine) QueryHistory(ctx context.Context, channel, resourceID string) (history []json.RawMessage, err error) {
	ctx, span := e.tracer.Start(ctx, "audit.QueryHistory", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("resource_id", resourceID),
	))
	defer func() {
		endSpan(span, err)
		e.recorder.QueryDone("history", err)
	}()

	chain, err := e.trail(ctx, channel, resourceID)
	if err != nil {
		return nil, err
	}
	history = make([]json.RawMessage, 0, len(chain))
	for _, p := range chain {
		history = append(history, p.Audit.Payload)
	}
	return history, nil
}

// Trail is QueryHistory returning whole packets (entry and link metadata).
func (e *Engine) Trail(ctx context.Context, channel, resourceID string) (chain []Packet, err error) {
	ctx, span := e.tracer.Start(ctx, "audit.Trail", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("resource_id", resourceID),
	))
	defer func() {
		endSpan(span, err)
		e.recorder.QueryDone("trail", err)
	}()
	return e.trail(ctx, channel, resourceID)
}

func (e *Engine) trail(ctx context.Context, channel, resourceID string) ([]Packet, error) {
	cfg, asset, err := e.locate(ctx, channel, resourceID)
	if err != nil {
		return nil, err
	}

	var chain []Packet
	seen := make(map[string]bool)
	next := &asset.RootLocator
	for next != nil {
		locator := *next
		if len(chain) >= e.maxDepth {
			return nil, fmt.Errorf("%w: %w after %d entries", ErrQueryFailed, ErrChainTooLong, len(chain))
		}
		if seen[locator] {
			return nil, fmt.Errorf("%w: %w at %s", ErrQueryFailed, ErrChainCycle, locator)
		}
		seen[locator] = true

		packet, err := e.fetch(ctx, cfg, locator)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *packet)
		next = packet.Metadata.PrevRoot
	}

	e.recorder.HistoryDepth(len(chain))
	slog.Debug("audit chain walked", "channel", channel, "resource", resourceID, "entries", len(chain))
	return chain, nil
}

// locate runs the checks shared by all queries and returns the channel
// and asset records.
func (e *Engine) locate(ctx context.Context, channel, resourceID string) (ChannelConfig, AssetPointer, error) {
	if channel == e.reserved {
		return ChannelConfig{}, AssetPointer{}, fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
	}
	cfg, found, err := e.index.GetChannel(ctx, channel)
	if err != nil {
		return ChannelConfig{}, AssetPointer{}, fmt.Errorf("loading channel %q: %w", channel, err)
	}
	if !found {
		return ChannelConfig{}, AssetPointer{}, fmt.Errorf("%w: %q", ErrChannelNotFound, channel)
	}
	asset, found, err := e.index.GetAsset(ctx, channel, resourceID)
	if err != nil {
		return ChannelConfig{}, AssetPointer{}, fmt.Errorf("loading asset %q on channel %q: %w", resourceID, channel, err)
	}
	if !found {
		return ChannelConfig{}, AssetPointer{}, fmt.Errorf("%w: %q on channel %q", ErrAssetNotFound, resourceID, channel)
	}
	return cfg, asset, nil
}

func (e *Engine) fetch(ctx context.Context, cfg ChannelConfig, locator string) (*Packet, error) {
	packet, err := e.transport.Fetch(ctx, locator, cfg.State.Mode, cfg.State.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if packet == nil || packet.Audit == nil {
		return nil, fmt.Errorf("%w: no audit entry at %s", ErrQueryFailed, locator)
	}
	return packet, nil
}

// Channels lists channel configs, optionally filtered by a glob pattern
// on the channel id ("" matches everything).
func (e *Engine) Channels(ctx context.Context, match string) ([]ChannelConfig, error) {
	all, err := e.index.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	if match == "" {
		return all, nil
	}
	g, err := glob.Compile(match)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, match, err)
	}
	var matched []ChannelConfig
	for _, c := range all {
		if g.Match(c.ChannelID) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// ChannelImport describes a channel shared by another owner. Without the
// seed it can only be read.
type ChannelImport struct {
	ChannelID     string
	Root          string
	Mode          Mode
	Key           string
	SecurityLevel int
	// Assets maps asset ids to the root locator of their newest entry.
	Assets map[string]string
}

// ImportChannel registers a read-only channel. Each asset root is fetched
// once to learn its version, so an unreadable root fails the import.
func (e *Engine) ImportChannel(ctx context.Context, imp ChannelImport) error {
	if imp.ChannelID == e.reserved {
		return fmt.Errorf("%w: %q", ErrForbiddenChannel, imp.ChannelID)
	}
	if imp.ChannelID == "" {
		return fmt.Errorf("importing channel: channel id is required")
	}
	if imp.SecurityLevel == 0 {
		imp.SecurityLevel = e.securityLevel
	}
	state := NewCryptoState(imp.Mode, imp.Key, imp.SecurityLevel)
	if err := state.Validate(); err != nil {
		return fmt.Errorf("importing channel %q: %w", imp.ChannelID, err)
	}

	unlock := e.locks.lock(imp.ChannelID)
	defer unlock()

	if _, found, err := e.index.GetChannel(ctx, imp.ChannelID); err != nil {
		return fmt.Errorf("loading channel %q: %w", imp.ChannelID, err)
	} else if found {
		return fmt.Errorf("%w: %q", ErrChannelExists, imp.ChannelID)
	}

	cfg := ChannelConfig{ChannelID: imp.ChannelID, Root: imp.Root, State: state, Access: ReadOnly{}}
	assets := make([]AssetPointer, 0, len(imp.Assets))
	for id, root := range imp.Assets {
		packet, err := e.fetch(ctx, cfg, root)
		if err != nil {
			return fmt.Errorf("importing asset %q: %w", id, err)
		}
		assets = append(assets, AssetPointer{
			AssetID:        id,
			RootLocator:    root,
			CurrentLocator: root,
			Version:        packet.Metadata.Version,
		})
	}

	if err := e.index.PutChannel(ctx, cfg); err != nil {
		return fmt.Errorf("storing channel %q: %w", imp.ChannelID, err)
	}
	for _, a := range assets {
		if err := e.index.PutAsset(ctx, imp.ChannelID, a); err != nil {
			return fmt.Errorf("storing asset %q: %w", a.AssetID, err)
		}
	}
	slog.Info("read-only channel imported", "channel", imp.ChannelID, "assets", len(assets))
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
