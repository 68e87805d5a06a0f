package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "tsk_9f86d081...". The prefix keys
// the entity kind (usr, tsk, perm, ntf, lnk).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
