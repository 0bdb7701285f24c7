package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// mintToken generates a 64-character hex auth token
func mintToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
