package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	streamKeyLength     = 24
	streamKeyIterations = 4096
	streamKeyHashLength = 32
)

// streamKeySalt is a fixed application salt. Stream keys are high-entropy
// random secrets, so the derivation only needs to be deterministic to allow
// lookup by hash; per-record salts would prevent that.
var streamKeySalt = []byte("driftcast.stream-key.v1")

// GenerateStreamKey returns a fresh stream key secret. The plaintext is
// handed to the streamer once; only the hash is persisted.
func GenerateStreamKey() (string, error) {
	buf := make([]byte, streamKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// HashStreamKey derives the stored lookup hash for a stream key.
func HashStreamKey(key string) string {
	derived := pbkdf2.Key([]byte(key), streamKeySalt, streamKeyIterations, streamKeyHashLength, sha256.New)
	return hex.EncodeToString(derived)
}

// VerifyStreamKey reports whether the presented key matches the stored hash
// using a constant-time comparison.
func VerifyStreamKey(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	derived := HashStreamKey(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(derived)) == 1
}
