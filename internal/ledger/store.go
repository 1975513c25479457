// Package ledger is the append-only store audit entries are written to.
//
// Entries are addressed by position: the transport derives a content
// identifier from the channel seed and cursor, seals the packet according
// to the channel mode and writes it to a BlobStore that never overwrites.
// Whoever holds an entry's root (and, for restricted channels, the side
// key) can fetch and open it; nobody can change it.
package ledger

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound       = errors.New("ledger: no entry at address")
	ErrAddressInUse   = errors.New("ledger: address already written")
	ErrInvalidLocator = errors.New("ledger: invalid locator")
	ErrDigestMismatch = errors.New("ledger: envelope digest mismatch")
	ErrWeakProof      = errors.New("ledger: proof of work below minimum weight")
	ErrModeMismatch   = errors.New("ledger: entry was written under a different mode")
	ErrSealBroken     = errors.New("ledger: entry cannot be opened with the given key")
)

// BlobStore is write-once storage keyed by ledger address.
//
// Contract:
//   - Put MUST fail with ErrAddressInUse when the address is occupied,
//     whatever the bytes.
//   - Get MUST return ErrNotFound when the address is empty.
type BlobStore interface {
	Put(ctx context.Context, address string, data []byte) error
	Get(ctx context.Context, address string) ([]byte, error)
}

// MemoryStore keeps blobs in process memory. Used by tests and by
// ephemeral runs with ledger.driver "memory".
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data at address.
func (m *MemoryStore) Put(_ context.Context, address string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[address]; ok {
		return ErrAddressInUse
	}
	m.blobs[address] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the blob at address.
func (m *MemoryStore) Get(_ context.Context, address string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[address]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
