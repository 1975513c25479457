package audit

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// KeyAlphabet is the 27-symbol alphabet used for seeds and side keys.
const KeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ9"

// DefaultKeyLength is the length of generated seeds and side keys.
const DefaultKeyLength = 81

// KeyGenerator produces key material for restricted channels.
type KeyGenerator interface {
	Generate(length int) (string, error)
}

// RandomKeys draws every character independently and uniformly from
// KeyAlphabet using crypto/rand. Restricted-mode confidentiality rests
// entirely on this value being unpredictable.
type RandomKeys struct{}

// Generate returns a key of the given length.
func (RandomKeys) Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("key length must be positive, got %d", length)
	}
	max := big.NewInt(int64(len(KeyAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		buf[i] = KeyAlphabet[n.Int64()]
	}
	return string(buf), nil
}
