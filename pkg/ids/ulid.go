// Package ids generates server-assigned message identifiers. Identifiers are
// ULIDs from a monotonic factory: when several ids are requested within the
// same millisecond the entropy tail is incremented, so lexicographic order
// always matches generation order.
package ids

import (
	"crypto/rand"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MonotonicULID issues strictly increasing ULIDs. Safe for use from a single
// goroutine without the lock; Next takes the lock so shared use is also safe.
type MonotonicULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewMonotonicULID creates a factory backed by crypto/rand entropy.
func NewMonotonicULID() *MonotonicULID {
	return &MonotonicULID{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewSeededULID creates a factory with deterministic entropy. Two factories
// built from the same seed and clock produce identical id sequences, which
// keeps channel-level id generation reproducible in tests.
func NewSeededULID(seed int64, now func() time.Time) *MonotonicULID {
	if now == nil {
		now = time.Now
	}
	var src io.Reader = mathrand.New(mathrand.NewSource(seed))
	return &MonotonicULID{
		entropy: ulid.Monotonic(src, 0),
		now:     now,
	}
}

// Next returns the next identifier. Within one millisecond consecutive calls
// yield lexicographically increasing values; across milliseconds the
// timestamp component takes over.
func (m *MonotonicULID) Next() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(m.now()), m.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
