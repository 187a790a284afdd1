package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes a payload into a stable cache key. maxPrefix > 0 limits
// hashing to a leading slice of the payload for very large inputs; identical
// payloads always produce identical fingerprints either way.
func Fingerprint(payload []byte, maxPrefix int) string {
	data := payload
	if maxPrefix > 0 && len(payload) > maxPrefix {
		data = payload[:maxPrefix]
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
