package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 12

// NewID returns a URL-safe hex string ID (24 chars).
func NewID() string {
	b := make([]byte, idBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IsID reports whether s has the NewID format.
func IsID(s string) bool {
	if len(s) != idBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
