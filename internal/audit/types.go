package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommitType is the kind of change a commit records against an asset.
// CREATE and TRANSFER-IN start a chain; the other four extend one.
type CommitType string

const (
	CommitCreate      CommitType = "CREATE"
	CommitUpdate      CommitType = "UPDATE"
	CommitAttach      CommitType = "ATTACH"
	CommitDetach      CommitType = "DETACH"
	CommitTransferIn  CommitType = "TRANSFER-IN"
	CommitTransferOut CommitType = "TRANSFER-OUT"
)

// ParseCommitType validates a commit-type string (as sent in the
// commit-type header). Matching is exact.
func ParseCommitType(s string) (CommitType, error) {
	switch t := CommitType(s); t {
	case CommitCreate, CommitUpdate, CommitAttach, CommitDetach, CommitTransferIn, CommitTransferOut:
		return t, nil
	default:
		return "", fmt.Errorf("%w: commit type %q is not supported", ErrUnsupportedCommitType, s)
	}
}

// Initial reports whether the commit type creates a new asset chain.
func (t CommitType) Initial() bool {
	return t == CommitCreate || t == CommitTransferIn
}

// EventType is the value recorded in the entry's eventType field.
// Initial types drop their direction suffix, so TRANSFER-IN is
// recorded as TRANSFER.
func (t CommitType) EventType() string {
	if t.Initial() {
		head, _, _ := strings.Cut(string(t), "-")
		return head
	}
	return string(t)
}

// Mode is the access mode of a channel on the ledger.
type Mode string

const (
	// ModePublic entries are readable by anyone holding the root.
	ModePublic Mode = "public"
	// ModePrivate entries are sealed with a key derived from the root.
	ModePrivate Mode = "private"
	// ModeRestricted entries additionally need the channel's side key.
	ModeRestricted Mode = "restricted"
)

// ParseMode validates an access mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePublic, ModePrivate, ModeRestricted:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCryptoMode, s)
	}
}

// CryptoState is the per-channel cursor the ledger needs to compute the
// next write position. The engine never edits it field by field: after
// every commit it is replaced by the state the transport returns.
type CryptoState struct {
	Mode          Mode   `json:"mode"`
	Key           string `json:"key,omitempty"`
	Count         int    `json:"count"`
	NextCount     int    `json:"nextCount"`
	Index         int    `json:"index"`
	Start         int    `json:"start"`
	SecurityLevel int    `json:"securityLevel"`
}

// NewCryptoState returns the cursor for a channel that has never been
// written to.
func NewCryptoState(mode Mode, key string, securityLevel int) CryptoState {
	return CryptoState{
		Mode:          mode,
		Key:           key,
		Count:         0,
		NextCount:     1,
		Index:         0,
		Start:         0,
		SecurityLevel: securityLevel,
	}
}

// Validate checks the mode and that restricted channels carry a key.
func (s CryptoState) Validate() error {
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if s.Mode == ModeRestricted && s.Key == "" {
		return ErrMissingKeyMaterial
	}
	return nil
}

// Access says whether this process may write to a channel.
// It is either Writable (the channel seed is known) or ReadOnly.
type Access interface {
	access()
}

// Writable channels carry the seed that owns the channel on the ledger.
type Writable struct {
	Seed string
}

// ReadOnly channels were imported without their seed. They can be
// queried but never committed to.
type ReadOnly struct{}

func (Writable) access() {}
func (ReadOnly) access() {}

// AccessFor returns Writable for a non-empty seed and ReadOnly otherwise.
func AccessFor(seed string) Access {
	if seed == "" {
		return ReadOnly{}
	}
	return Writable{Seed: seed}
}

// ChannelConfig is the index record for one channel.
type ChannelConfig struct {
	ChannelID string
	// Root is the locator of the first entry ever written to the channel.
	Root   string
	State  CryptoState
	Access Access
}

// Seed returns the channel seed and whether the channel is writable.
func (c ChannelConfig) Seed() (string, bool) {
	if w, ok := c.Access.(Writable); ok && w.Seed != "" {
		return w.Seed, true
	}
	return "", false
}

// AssetPointer is the index record for one (channel, asset) pair.
type AssetPointer struct {
	AssetID        string `json:"-"`
	RootLocator    string `json:"rootLocator"`
	CurrentLocator string `json:"currentLocator"`
	Version        int    `json:"version"`
}

// Entry is one immutable audit record as written to the ledger.
type Entry struct {
	ID         string          `json:"_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resourceID"`
	EventType  string          `json:"eventType"`
	ChannelID  string          `json:"channelID"`
}

// Metadata links an entry to its predecessor. PrevRoot is nil for the
// first entry of an asset.
type Metadata struct {
	Version  int     `json:"version"`
	PrevRoot *string `json:"prevRoot"`
}

// Packet is the unit handed to the ledger on append and returned on fetch.
type Packet struct {
	Audit    *Entry   `json:"audit"`
	Metadata Metadata `json:"metadata"`
}

// CommitEvent describes a successful commit. It is handed to the
// engine's OnCommit hook after the index has been updated.
type CommitEvent struct {
	Channel    string     `json:"channel"`
	ResourceID string     `json:"resourceID"`
	CommitType CommitType `json:"commitType"`
	Version    int        `json:"version"`
	Root       string     `json:"root"`
	PrevRoot   *string    `json:"prevRoot"`
	Timestamp  time.Time  `json:"timestamp"`
}
