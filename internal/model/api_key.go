package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApiKey authenticates as a specific agent. Only one live key is expected
// per agent at a time, but rotation briefly holds both the old and new key.
type ApiKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	AgentID    string     `json:"agent_id"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// ApiKeyWithRawKey is returned only on creation — the only time the raw
// key is available. After this, only the prefix and hash are visible.
type ApiKeyWithRawKey struct {
	ApiKey
	RawKey string `json:"raw_key"`
}

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	// The prefix is not secret: it exists only to narrow the authenticate scan to a
	// handful of candidate rows before the constant-time hash comparison.
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (64 hex chars,
	// 256 bits of entropy) — widened from the 128-bit secret of the system this pattern
	// is grounded on to satisfy the ≥256-bit requirement on generated API keys.
	keySecretLen = 32
	// keyFormatPrefix is the static prefix for all gateway API keys.
	keyFormatPrefix = "qk_"
)

// GenerateRawKey produces a new raw API key in the format: qk_<prefix>_<secret>.
// Returns the full raw key and the prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = keyFormatPrefix + prefix + "_" + secret

	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key string without validating
// the secret. Returns an error if the format is invalid — this is a format
// check only, never a proof that the key exists or is unrevoked.
func ParseRawKey(rawKey string) (prefix, fullKey string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", "", fmt.Errorf("model: invalid key format: expected qk_<prefix>_<secret>")
	}

	prefix = rest[:underIdx]
	return prefix, rawKey, nil
}

// ValidateKeyLabel checks that a key label is reasonable.
func ValidateKeyLabel(label string) error {
	if len(label) > 255 {
		return fmt.Errorf("label must be at most 255 characters")
	}
	return nil
}
