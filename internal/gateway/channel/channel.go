// Package channel implements the per-channel actor engine. One actor owns
// all live connections for a (project, channel, location) triple: it admits
// connections, validates frames against their grant, assigns sequence
// numbers, fans publishes out to subscribers, and emits usage events. All
// actor state mutates on a single goroutine; parallelism exists across
// channels, never within one.
package channel

import (
	"errors"
	"time"

	"github.com/erebus-sh/erebus/pkg/protocol"
)

// Config tunes the engine. Zero values select defaults.
type Config struct {
	// HeartbeatInterval is the server ping period for idle connections.
	HeartbeatInterval time.Duration

	// ConnectGrace bounds how long a pending connection may wait for a
	// valid Connect frame.
	ConnectGrace time.Duration

	// EgressBudget bounds in-flight egress bytes per connection. A
	// connection that exceeds it is closed with a flow-control error.
	EgressBudget int64

	// MaxFrameSize bounds one inbound frame at the codec layer.
	MaxFrameSize int

	// WriteTimeout is the deadline for a single websocket write.
	WriteTimeout time.Duration

	// IdleActorTTL evicts a channel actor that has held zero connections
	// for this long.
	IdleActorTTL time.Duration

	// MaxConnsPerChannel caps connections admitted to one channel actor.
	MaxConnsPerChannel int

	// PublishPerSecond rate-limits publishes per connection; 0 disables.
	PublishPerSecond int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ConnectGrace <= 0 {
		c.ConnectGrace = 10 * time.Second
	}
	if c.EgressBudget <= 0 {
		c.EgressBudget = 1 << 20 // 1 MiB
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleActorTTL <= 0 {
		c.IdleActorTTL = 5 * time.Minute
	}
	if c.MaxConnsPerChannel <= 0 {
		c.MaxConnsPerChannel = 10000
	}
	return c
}

var (
	errChannelFull  = errors.New("channel connection limit reached")
	errActorStopped = errors.New("channel actor stopped")
)

// PublishTimings is the instrumentation record of one fan-out. All values
// are monotonic clock readings in fractional milliseconds.
type PublishTimings struct {
	Seq             uint64
	Recipients      int
	TIngress        float64
	TEnqueued       float64
	TBroadcastBegin float64
	TWSWriteEnds    []float64
	TBroadcastEnd   float64
}
