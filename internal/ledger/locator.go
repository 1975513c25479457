package ledger

import (
	"fmt"
	"strconv"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/trailmark/trailmark/internal/audit"
)

// rootFor returns the public locator of the entry at a channel position:
// a CIDv1 (raw codec, sha2-256) over seed|start|securityLevel. Two
// appends at the same position of the same channel get the same root.
func rootFor(seed string, start, securityLevel int) (string, error) {
	id, err := cidOf([]byte(seed + "|" + strconv.Itoa(start) + "|" + strconv.Itoa(securityLevel)))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// addressFor maps a root to the storage address. Public entries live at
// their root; private and restricted entries live at the hash of it, so
// listing the store does not hand out roots.
func addressFor(root string, mode audit.Mode) (string, error) {
	if _, err := cid.Decode(root); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidLocator, root, err)
	}
	if mode == audit.ModePublic {
		return root, nil
	}
	id, err := cidOf([]byte(root))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func cidOf(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("ledger: hashing: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
