package util

import (
	"crypto/rand"
	"encoding/hex"
)

// ShareTokenLength is the hex length of tokens minted by NewShareToken.
const ShareTokenLength = 32

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewShareToken returns an unguessable draft handle.
func NewShareToken() string {
	return NewID("")
}

// IsShareToken reports whether token has the shape NewShareToken produces.
func IsShareToken(token string) bool {
	if len(token) != ShareTokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
