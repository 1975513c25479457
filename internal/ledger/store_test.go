package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBlobStores_WriteOnce(t *testing.T) {
	fs, err := NewLocalFS(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	stores := map[string]BlobStore{
		"memory":  NewMemoryStore(),
		"localfs": fs,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const addr = "bafkreiexampleaddress"

			if _, err := store.Get(ctx, addr); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
			}
			if err := store.Put(ctx, addr, []byte("first")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, addr, []byte("second")); !errors.Is(err, ErrAddressInUse) {
				t.Fatalf("second Put: got %v, want ErrAddressInUse", err)
			}
			// Same bytes are still a second write.
			if err := store.Put(ctx, addr, []byte("first")); !errors.Is(err, ErrAddressInUse) {
				t.Fatalf("identical Put: got %v, want ErrAddressInUse", err)
			}

			got, err := store.Get(ctx, addr)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "first" {
				t.Errorf("Get = %q, want %q", got, "first")
			}
		})
	}
}

func TestLocalFS_Layout(t *testing.T) {
	root := t.TempDir()
	fs, err := NewLocalFS(root)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	if err := fs.Put(context.Background(), "bafkreiabcdxy", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "xy", "bafkreiabcdxy"))
	if err != nil {
		t.Fatalf("expected blob under fan-out dir: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("blob should be read-only, mode %v", info.Mode().Perm())
	}
}

func TestLocalFS_RejectsPathAddresses(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	for _, addr := range []string{"", "../escape", "a/b"} {
		if err := fs.Put(context.Background(), addr, []byte("x")); !errors.Is(err, ErrInvalidLocator) {
			t.Errorf("Put(%q): got %v, want ErrInvalidLocator", addr, err)
		}
	}
}

func TestNewLocalFS_EmptyRoot(t *testing.T) {
	if _, err := NewLocalFS(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}
