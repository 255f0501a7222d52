package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const keyDomain = "modelhist-journal-v1"

// deriveKey expands the configured secret into the per-stream MAC key.
func deriveKey(secret []byte, streamID uuid.UUID) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, streamID[:], []byte(keyDomain))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return key, nil
}

// ParseKey decodes a hex journal secret. An empty string yields a nil key.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("journal key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("journal key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}
