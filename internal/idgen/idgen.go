// Package idgen provides cryptographically random identifiers and one-time codes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// WithPrefix generates a random ID with a prefix (e.g. "usr_", "obs_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Code returns a uniformly distributed decimal code of exactly digits
// characters, zero padded ("004211").
func Code(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("idgen: unsupported code length %d", digits)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
