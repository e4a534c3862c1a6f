package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/usage"

	gwmetrics "github.com/erebus-sh/erebus/internal/gateway/metrics"
)

// Registry owns the channel actors of this process. Actors are created
// lazily on the first connection for a (project, channel, location) triple
// and evicted after sitting idle with zero connections.
type Registry struct {
	cfg      Config
	verifier auth.TokenVerifier
	sink     usage.Sink
	logger   logging.Logger
	metrics  *gwmetrics.Metrics

	mu     sync.Mutex
	actors map[string]*Actor

	stopCh   chan struct{}
	stopOnce sync.Once
	sweepEnd chan struct{}
}

// NewRegistry creates a registry and starts its eviction sweep.
func NewRegistry(cfg Config, verifier auth.TokenVerifier, sink usage.Sink, logger logging.Logger, m *gwmetrics.Metrics) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		sink:     sink,
		logger:   logger,
		metrics:  m,
		actors:   make(map[string]*Actor),
		stopCh:   make(chan struct{}),
		sweepEnd: make(chan struct{}),
	}
	go r.sweep()
	return r
}

func actorKey(projectID, channelName, locationHint string) string {
	return strings.Join([]string{projectID, channelName, locationHint}, "\x00")
}

// GetOrCreate returns the live actor for the triple, creating it when
// absent.
func (r *Registry) GetOrCreate(projectID, channelName, locationHint string) *Actor {
	key := actorKey(projectID, channelName, locationHint)

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[key]; ok {
		select {
		case <-a.Done():
			// Stopped but not yet swept; replace it
		default:
			return a
		}
	}

	a := newActor(projectID, channelName, locationHint, r.cfg, r.verifier, r.sink, r.logger, r.metrics)
	r.actors[key] = a
	if r.metrics != nil && r.metrics.ChannelsActive != nil {
		r.metrics.ChannelsActive.WithLabelValues(projectID).Inc()
	}
	r.logger.WithFields(logging.ChannelFields(projectID, channelName, locationHint)).
		Info("Channel actor created")
	return a
}

// Lookup returns an existing actor without creating one; used by tests and
// introspection.
func (r *Registry) Lookup(projectID, channelName, locationHint string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[actorKey(projectID, channelName, locationHint)]
	return a, ok
}

// sweep evicts actors that held zero connections for IdleActorTTL.
func (r *Registry) sweep() {
	defer close(r.sweepEnd)

	interval := r.cfg.IdleActorTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for key, a := range r.actors {
				if a.ConnCount() == 0 && now.Sub(a.EmptySince()) >= r.cfg.IdleActorTTL {
					a.Stop()
					delete(r.actors, key)
					if r.metrics != nil && r.metrics.ChannelsActive != nil {
						r.metrics.ChannelsActive.WithLabelValues(a.ProjectID).Dec()
					}
					r.logger.WithFields(logging.ChannelFields(a.ProjectID, a.ChannelName, a.LocationHint)).
						Info("Idle channel actor evicted")
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// Shutdown stops every actor and waits for their cleanup within the
// context deadline.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.sweepEnd

	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for key, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, key)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
	for _, a := range actors {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return
		}
	}
}
