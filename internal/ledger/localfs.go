package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFS stores blobs as read-only files under a root directory, one
// file per address, fanned out into subdirectories.
type LocalFS struct {
	root string
}

// NewLocalFS creates the root directory if needed.
func NewLocalFS(root string) (*LocalFS, error) {
	if root == "" {
		return nil, errors.New("ledger: localfs root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: creating %s: %w", root, err)
	}
	return &LocalFS{root: root}, nil
}

// Put writes data to a new read-only file; an existing file is never replaced.
func (l *LocalFS) Put(_ context.Context, address string, data []byte) error {
	path, err := l.pathFor(address)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ledger: creating fan-out dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return ErrAddressInUse
		}
		return fmt.Errorf("ledger: opening %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("ledger: writing %s: %w", address, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("ledger: syncing %s: %w", address, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("ledger: closing %s: %w", address, err)
	}
	return nil
}

// Get reads the file stored for address.
func (l *LocalFS) Get(_ context.Context, address string) ([]byte, error) {
	path, err := l.pathFor(address)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: reading %s: %w", address, err)
	}
	return b, nil
}

// pathFor fans out on the last two characters: CIDs of one codec share
// their leading characters.
func (l *LocalFS) pathFor(address string) (string, error) {
	if address == "" || filepath.Base(address) != address {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, address)
	}
	if len(address) < 2 {
		return filepath.Join(l.root, address), nil
	}
	return filepath.Join(l.root, address[len(address)-2:], address), nil
}
