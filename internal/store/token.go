package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateToken returns 32 crypto-random bytes, hex encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
