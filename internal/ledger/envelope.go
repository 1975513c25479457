package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/trailmark/trailmark/internal/audit"
)

const envelopeVersion = 1

// MaxWeightMagnitude caps the proof-of-work difficulty.
const MaxWeightMagnitude = 32

// envelope is the stored form of a packet.
type envelope struct {
	Version int        `json:"v"`
	Mode    audit.Mode `json:"mode"`
	Nonce   []byte     `json:"nonce,omitempty"`
	Data    []byte     `json:"data"`
	// Digest is a sha2-256 multihash of Data.
	Digest []byte `json:"digest"`
	// Work makes sha256(address|digest|work) start with the required
	// number of zero bits.
	Work uint64 `json:"work"`
}

// seal wraps plaintext for the given mode. Public entries are stored in
// the clear; private and restricted ones with XChaCha20-Poly1305, bound
// to their address.
func seal(mode audit.Mode, root, key, address string, plaintext []byte) (*envelope, error) {
	env := &envelope{Version: envelopeVersion, Mode: mode}

	if mode == audit.ModePublic {
		env.Data = plaintext
	} else {
		aead, err := chacha20poly1305.NewX(sealKey(mode, root, key))
		if err != nil {
			return nil, fmt.Errorf("ledger: cipher: %w", err)
		}
		env.Nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(env.Nonce); err != nil {
			return nil, fmt.Errorf("ledger: nonce: %w", err)
		}
		env.Data = aead.Seal(nil, env.Nonce, plaintext, []byte(address))
	}

	digest, err := multihash.Sum(env.Data, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("ledger: digest: %w", err)
	}
	env.Digest = digest
	return env, nil
}

// open verifies the digest and returns the plaintext.
func open(env *envelope, mode audit.Mode, root, key, address string) ([]byte, error) {
	if env.Mode != mode {
		return nil, fmt.Errorf("%w: stored %q, asked %q", ErrModeMismatch, env.Mode, mode)
	}
	digest, err := multihash.Sum(env.Data, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("ledger: digest: %w", err)
	}
	if !bytes.Equal(digest, env.Digest) {
		return nil, ErrDigestMismatch
	}

	if mode == audit.ModePublic {
		return env.Data, nil
	}
	aead, err := chacha20poly1305.NewX(sealKey(mode, root, key))
	if err != nil {
		return nil, fmt.Errorf("ledger: cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrSealBroken
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Data, []byte(address))
	if err != nil {
		return nil, ErrSealBroken
	}
	return plaintext, nil
}

func sealKey(mode audit.Mode, root, key string) []byte {
	material := root
	if mode == audit.ModeRestricted {
		material += "|" + key
	}
	sum := blake2b.Sum256([]byte(material))
	return sum[:]
}

// proveCheckEvery is how many candidates prove tries between context checks.
const proveCheckEvery = 1 << 14

// prove searches for the smallest Work value meeting the difficulty. It
// gives up with the context's error once ctx is done.
func prove(ctx context.Context, env *envelope, address string, minWeight int) error {
	for env.Work = 0; weight(env, address) < minWeight; env.Work++ {
		if env.Work%proveCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("ledger: proof of work abandoned: %w", err)
			}
		}
	}
	return nil
}

func weight(env *envelope, address string) int {
	h := sha256.New()
	h.Write([]byte(address))
	h.Write(env.Digest)
	var w [8]byte
	binary.BigEndian.PutUint64(w[:], env.Work)
	h.Write(w[:])
	sum := h.Sum(nil)

	zeros := 0
	for _, b := range sum {
		if b != 0 {
			zeros += bits.LeadingZeros8(b)
			break
		}
		zeros += 8
	}
	return zeros
}
