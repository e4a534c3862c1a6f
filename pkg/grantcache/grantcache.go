// Package grantcache stores minted grant tokens keyed by a content hash of
// the normalized issuance request. Two requests that normalize identically
// within a TTL window return byte-identical tokens, and cache hits skip the
// rate limiter entirely. Entries are immutable and expire only by TTL.
package grantcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/erebus-sh/erebus/pkg/auth"
)

// Entry is a cached token with its absolute expiry.
type Entry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache stores grant entries. Implementations must be safe for concurrent
// use. Callers treat every error as non-fatal and fall through to minting.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, entry *Entry) error
}

// Key hashes the identity of a normalized grant request. Topics must
// already be normalized (deduplicated, sorted) so equal requests collide.
func Key(fingerprint, channel string, topics []auth.TopicGrant, userID string) string {
	var b strings.Builder
	b.WriteString(fingerprint)
	b.WriteByte('\n')
	b.WriteString(channel)
	b.WriteByte('\n')
	for _, tg := range topics {
		b.WriteString(tg.Topic)
		b.WriteByte(':')
		b.WriteString(string(tg.Scope))
		b.WriteByte('\n')
	}
	b.WriteString(userID)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
