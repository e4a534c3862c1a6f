package channel

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/clock"
	"github.com/erebus-sh/erebus/pkg/ids"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/protocol"
	"github.com/erebus-sh/erebus/pkg/usage"

	gwmetrics "github.com/erebus-sh/erebus/internal/gateway/metrics"
)

// Actor is the per-channel state machine. Everything below the mailbox is
// owned by the run goroutine.
type Actor struct {
	ProjectID    string
	ChannelName  string
	LocationHint string

	cfg      Config
	verifier auth.TokenVerifier
	sink     usage.Sink
	logger   logging.Logger
	metrics  *gwmetrics.Metrics

	mailbox chan func()
	stopCh  chan struct{}
	done    chan struct{}
	stop    sync.Once

	// run-goroutine state
	conns       map[string]*Conn
	subscribers map[string]map[string]*Conn
	nextSeq     uint64
	ulid        *ids.MonotonicULID

	// read by the registry's eviction sweep
	connCount  atomic.Int32
	emptySince atomic.Int64 // unix nanos when connCount last hit zero

	createdAt time.Time

	// onTimings observes completed fan-outs; set by tests and metrics.
	onTimings atomic.Pointer[func(PublishTimings)]
}

func newActor(projectID, channelName, locationHint string, cfg Config, verifier auth.TokenVerifier, sink usage.Sink, logger logging.Logger, m *gwmetrics.Metrics) *Actor {
	a := &Actor{
		ProjectID:    projectID,
		ChannelName:  channelName,
		LocationHint: locationHint,
		cfg:          cfg.withDefaults(),
		verifier:     verifier,
		sink:         sink,
		logger:       logger,
		metrics:      m,
		mailbox:      make(chan func(), 256),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		conns:        make(map[string]*Conn),
		subscribers:  make(map[string]map[string]*Conn),
		ulid:         ids.NewSeededULID(channelSeed(projectID, channelName, locationHint), nil),
		createdAt:    time.Now(),
	}
	a.emptySince.Store(time.Now().UnixNano())
	go a.run()
	return a
}

// channelSeed derives a deterministic ULID seed per channel identity so id
// sequences are reproducible in tests.
func channelSeed(projectID, channelName, locationHint string) int64 {
	h := fnv.New64a()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(channelName))
	h.Write([]byte{0})
	h.Write([]byte(locationHint))
	return int64(h.Sum64())
}

// SetTimingsHook installs an observer for completed fan-outs.
func (a *Actor) SetTimingsHook(fn func(PublishTimings)) {
	a.onTimings.Store(&fn)
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.stopCh:
			// Closing the channel cancels every connection it owns
			for _, c := range a.conns {
				c.closeTransport(websocket.CloseGoingAway, "channel shutting down")
			}
			a.conns = make(map[string]*Conn)
			a.subscribers = make(map[string]map[string]*Conn)
			a.connCount.Store(0)
			return
		}
	}
}

// Stop terminates the actor; Done unblocks once cleanup finished.
func (a *Actor) Stop() {
	a.stop.Do(func() { close(a.stopCh) })
}

// Done reports actor termination.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// ConnCount is read by the eviction sweep.
func (a *Actor) ConnCount() int {
	return int(a.connCount.Load())
}

// EmptySince reports when the actor last dropped to zero connections.
func (a *Actor) EmptySince() time.Time {
	return time.Unix(0, a.emptySince.Load())
}

// Attach admits an authenticated connection. Called from the connection's
// read goroutine; blocks for the actor round-trip.
func (a *Actor) Attach(c *Conn, grant *auth.Grant) error {
	reply := make(chan error, 1)
	fn := func() {
		if len(a.conns) >= a.cfg.MaxConnsPerChannel {
			reply <- errChannelFull
			return
		}
		c.grant = grant
		a.conns[c.ID] = c
		a.connCount.Add(1)
		a.sink.Record(usage.ConnectEvent(a.ProjectID, grant.KeyID))
		if a.metrics != nil && a.metrics.ConnectionsActive != nil {
			a.metrics.ConnectionsActive.WithLabelValues(a.ProjectID).Inc()
		}
		a.logger.WithFields(logging.ChannelFields(a.ProjectID, a.ChannelName, a.LocationHint)).
			WithFields(logging.Fields{
				"conn_id": c.ID,
				"user_id": grant.UserID,
			}).Info("Connection authenticated")
		reply <- nil
	}

	select {
	case a.mailbox <- fn:
	case <-a.done:
		return errActorStopped
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return errActorStopped
	}
}

// Detach removes a connection after its transport closed. Safe from any
// goroutine; a stopped actor already cleaned up.
func (a *Actor) Detach(c *Conn) {
	select {
	case a.mailbox <- func() { a.removeConn(c) }:
	case <-a.done:
	}
}

// dispatch hands a decoded frame to the actor. Called from the read
// goroutine of an attached connection.
func (a *Actor) dispatch(c *Conn, env *protocol.Envelope) {
	fn := func() {
		// Frames can race the connection's own removal; a detached
		// connection must not touch channel state
		if _, ok := a.conns[c.ID]; !ok {
			return
		}
		switch env.Type {
		case protocol.PacketConnect:
			a.handleConnect(c, env.Connect)
		case protocol.PacketSubscribe:
			a.handleSubscribe(c, env.Subscribe)
		case protocol.PacketUnsubscribe:
			a.handleUnsubscribe(c, env.Unsubscribe)
		case protocol.PacketPublish:
			a.handlePublish(c, env.Publish)
		case protocol.PacketAck:
			// Client-originated acks are not part of the protocol
			a.closeConn(c, protocol.CloseBadRequest, "unexpected ack frame")
		}
	}
	select {
	case a.mailbox <- fn:
	case <-a.done:
		c.closeTransport(websocket.CloseGoingAway, "channel shutting down")
	}
}

// removeConn erases every trace of a connection: the connections map and
// each subscriber set it appears in. Runs on the actor goroutine.
func (a *Actor) removeConn(c *Conn) {
	if _, ok := a.conns[c.ID]; !ok {
		return
	}
	delete(a.conns, c.ID)
	for topic := range c.subscribed {
		if set, ok := a.subscribers[topic]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(a.subscribers, topic)
			}
		}
	}
	c.subscribed = make(map[string]struct{})

	if a.connCount.Add(-1) == 0 {
		a.emptySince.Store(time.Now().UnixNano())
	}
	if a.metrics != nil && a.metrics.ConnectionsActive != nil {
		a.metrics.ConnectionsActive.WithLabelValues(a.ProjectID).Dec()
	}
}

// closeConn closes a connection from inside the actor loop.
func (a *Actor) closeConn(c *Conn, code int, reason string) {
	a.removeConn(c)
	c.closeTransport(code, reason)
}

// handleConnect re-authenticates an already-attached connection. The grant
// must name this actor's project and channel; a mismatch is a forbidden
// re-bind attempt.
func (a *Actor) handleConnect(c *Conn, data *protocol.ConnectData) {
	grant, err := a.verifier.Verify(data.GrantJWT)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredGrant), errors.Is(err, auth.ErrBadGrantSignature):
			a.closeConn(c, protocol.CloseUnauthorized, "grant rejected")
		default:
			a.closeConn(c, protocol.CloseBadRequest, "grant malformed")
		}
		return
	}
	if grant.ProjectID != a.ProjectID || grant.Channel != a.ChannelName {
		a.closeConn(c, protocol.CloseForbidden, "grant does not match channel")
		return
	}
	// Refreshing with a newer grant for the same channel is idempotent
	c.grant = grant
}

func (a *Actor) handleSubscribe(c *Conn, data *protocol.SubscribeData) {
	if c.grant == nil {
		a.sendAck(c, &protocol.AckData{
			Path:      protocol.AckPathSubscribe,
			Result:    protocol.AckResult{OK: false, Code: protocol.AckUnauthorized, Message: "connect first"},
			RequestID: data.RequestID,
		})
		a.closeConn(c, protocol.CloseUnauthorized, "not authenticated")
		return
	}

	if err := auth.ValidateTopicName(data.Topic); err != nil || data.Topic == auth.TopicWildcard {
		a.sendAck(c, &protocol.AckData{
			Path:      protocol.AckPathSubscribe,
			Result:    protocol.AckResult{OK: false, Code: protocol.AckInvalid, Message: "invalid topic"},
			RequestID: data.RequestID,
		})
		return
	}

	if !c.grant.CanSubscribe(data.Topic) {
		a.sendAck(c, &protocol.AckData{
			Path:      protocol.AckPathSubscribe,
			Result:    protocol.AckResult{OK: false, Code: protocol.AckForbidden, Message: "topic not readable under grant"},
			RequestID: data.RequestID,
		})
		return
	}

	_, already := c.subscribed[data.Topic]
	if !already {
		c.subscribed[data.Topic] = struct{}{}
		set, ok := a.subscribers[data.Topic]
		if !ok {
			set = make(map[string]*Conn)
			a.subscribers[data.Topic] = set
		}
		set[c.ID] = c
		a.sink.Record(usage.SubscribeEvent(a.ProjectID, c.grant.KeyID))
	}

	// Subscribing an already-subscribed topic is a no-op success
	a.sendAck(c, &protocol.AckData{
		Path:      protocol.AckPathSubscribe,
		Result:    protocol.AckResult{OK: true},
		RequestID: data.RequestID,
	})
}

func (a *Actor) handleUnsubscribe(c *Conn, data *protocol.UnsubscribeData) {
	if c.grant == nil {
		a.sendAck(c, &protocol.AckData{
			Path:      protocol.AckPathUnsubscribe,
			Result:    protocol.AckResult{OK: false, Code: protocol.AckUnauthorized, Message: "connect first"},
			RequestID: data.RequestID,
		})
		a.closeConn(c, protocol.CloseUnauthorized, "not authenticated")
		return
	}

	// Idempotent removal
	if _, ok := c.subscribed[data.Topic]; ok {
		delete(c.subscribed, data.Topic)
		if set, ok := a.subscribers[data.Topic]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(a.subscribers, data.Topic)
			}
		}
	}

	a.sendAck(c, &protocol.AckData{
		Path:      protocol.AckPathUnsubscribe,
		Result:    protocol.AckResult{OK: true},
		RequestID: data.RequestID,
	})
}

func (a *Actor) handlePublish(c *Conn, data *protocol.PublishData) {
	if c.grant == nil {
		a.sendAck(c, &protocol.AckData{
			Path:        protocol.AckPathPublish,
			Result:      protocol.AckResult{OK: false, Code: protocol.AckUnauthorized, Message: "connect first"},
			ClientMsgID: data.ClientMsgID,
			RequestID:   data.RequestID,
		})
		a.closeConn(c, protocol.CloseUnauthorized, "not authenticated")
		return
	}

	tIngress := clock.Monotonic()

	if err := auth.ValidateTopicName(data.Topic); err != nil || data.Topic == auth.TopicWildcard {
		a.failPublish(c, data, protocol.AckInvalid, "invalid topic")
		return
	}
	if !c.grant.CanPublish(data.Topic) {
		a.failPublish(c, data, protocol.AckForbidden, "topic not writable under grant")
		return
	}
	if !a.allowPublish(c) {
		a.failPublish(c, data, protocol.AckRateLimited, "publish rate exceeded")
		return
	}

	a.nextSeq++
	seq := a.nextSeq

	serverMsgID, err := a.ulid.Next()
	if err != nil {
		a.failPublish(c, data, protocol.AckInternal, "id generation failed")
		return
	}

	body := &protocol.MessageBody{
		ID:              serverMsgID,
		Topic:           data.Topic,
		SenderID:        c.grant.UserID,
		Seq:             seq,
		SentAt:          time.Now(),
		Payload:         data.Payload,
		ClientMsgID:     data.ClientMsgID,
		ClientPublishTs: data.ClientPublishTs,
		TIngress:        &tIngress,
	}
	tEnqueued := clock.Monotonic()
	body.TEnqueued = &tEnqueued

	// The publisher never receives its own message
	targets := make([]*Conn, 0, len(a.subscribers[data.Topic]))
	for id, sub := range a.subscribers[data.Topic] {
		if id == c.ID {
			continue
		}
		targets = append(targets, sub)
	}

	timings := PublishTimings{
		Seq:        seq,
		Recipients: len(targets),
		TIngress:   tIngress,
		TEnqueued:  tEnqueued,
	}

	tBegin := clock.Monotonic()
	body.TBroadcastBegin = &tBegin
	timings.TBroadcastBegin = tBegin

	frame, err := protocol.EncodeBroadcast(body)
	if err != nil {
		a.failPublish(c, data, protocol.AckInternal, "encode failed")
		return
	}

	tracker := newBroadcastTracker(a, timings)
	for _, sub := range targets {
		if !sub.enqueue(frame, tracker.writeDone) {
			// Flow control: the slow subscriber is closed; everyone else
			// is unaffected
			a.closeConn(sub, protocol.ClosePreconditionFailed, "egress buffer exceeded")
			if a.metrics != nil && a.metrics.EgressOverflows != nil {
				a.metrics.EgressOverflows.WithLabelValues(a.ProjectID).Inc()
			}
			tracker.skip()
			continue
		}
		sub.lastSentSeq.Store(seq)
		if a.metrics != nil && a.metrics.FanoutDeliveries != nil {
			a.metrics.FanoutDeliveries.WithLabelValues(a.ProjectID).Inc()
		}
	}
	tracker.armed()

	a.sendAck(c, &protocol.AckData{
		Path:             protocol.AckPathPublish,
		Result:           protocol.AckResult{OK: true},
		ClientMsgID:      data.ClientMsgID,
		ServerAssignedID: serverMsgID,
		Seq:              seq,
		TIngress:         &tIngress,
		RequestID:        data.RequestID,
	})

	a.sink.Record(usage.MessageEvent(a.ProjectID, c.grant.KeyID, len(data.Payload)))
	if a.metrics != nil && a.metrics.MessagesPublished != nil {
		a.metrics.MessagesPublished.WithLabelValues(a.ProjectID).Inc()
	}
}

// failPublish acks a rejected publish; the connection stays open.
func (a *Actor) failPublish(c *Conn, data *protocol.PublishData, code protocol.AckCode, msg string) {
	a.sendAck(c, &protocol.AckData{
		Path:        protocol.AckPathPublish,
		Result:      protocol.AckResult{OK: false, Code: code, Message: msg},
		ClientMsgID: data.ClientMsgID,
		RequestID:   data.RequestID,
	})
}

// allowPublish enforces the optional per-connection publish budget.
func (a *Actor) allowPublish(c *Conn) bool {
	if a.cfg.PublishPerSecond <= 0 {
		return true
	}
	now := time.Now()
	if now.Sub(c.pubWindowStart) >= time.Second {
		c.pubWindowStart = now
		c.pubCount = 0
	}
	c.pubCount++
	return c.pubCount <= a.cfg.PublishPerSecond
}

// sendAck queues an acknowledgement; an unsendable ack closes the
// connection through the flow-control path.
func (a *Actor) sendAck(c *Conn, ack *protocol.AckData) {
	frame, err := protocol.EncodeAck(ack)
	if err != nil {
		a.logger.WithError(err).Error("Failed to encode ack")
		return
	}
	if !c.enqueue(frame, nil) {
		a.closeConn(c, protocol.ClosePreconditionFailed, "egress buffer exceeded")
		return
	}
	if a.metrics != nil && a.metrics.AcksSent != nil {
		outcome := "ok"
		if !ack.Result.OK {
			outcome = string(ack.Result.Code)
		}
		a.metrics.AcksSent.WithLabelValues(string(ack.Path), outcome).Inc()
	}
}

// broadcastTracker records per-recipient write completions and fires the
// timings observer once the last recipient write lands.
type broadcastTracker struct {
	actor *Actor

	mu        sync.Mutex
	timings   PublishTimings
	remaining int
	ready     bool
	fired     bool
}

func newBroadcastTracker(a *Actor, timings PublishTimings) *broadcastTracker {
	return &broadcastTracker{
		actor:     a,
		timings:   timings,
		remaining: timings.Recipients,
	}
}

// writeDone is called by each recipient's write goroutine.
func (t *broadcastTracker) writeDone(at float64) {
	t.mu.Lock()
	t.timings.TWSWriteEnds = append(t.timings.TWSWriteEnds, at)
	t.remaining--
	fire := t.ready && t.remaining <= 0 && !t.fired
	if fire {
		t.fired = true
		t.timings.TBroadcastEnd = clock.Monotonic()
	}
	timings := t.timings
	t.mu.Unlock()
	if fire {
		t.actor.observeTimings(timings)
	}
}

// skip accounts for a recipient that was closed before its write.
func (t *broadcastTracker) skip() {
	t.mu.Lock()
	t.remaining--
	fire := t.ready && t.remaining <= 0 && !t.fired
	if fire {
		t.fired = true
		t.timings.TBroadcastEnd = clock.Monotonic()
	}
	timings := t.timings
	t.mu.Unlock()
	if fire {
		t.actor.observeTimings(timings)
	}
}

// armed marks that all enqueues happened; a zero-recipient broadcast
// completes immediately.
func (t *broadcastTracker) armed() {
	t.mu.Lock()
	t.ready = true
	fire := t.remaining <= 0 && !t.fired
	if fire {
		t.fired = true
		t.timings.TBroadcastEnd = clock.Monotonic()
	}
	timings := t.timings
	t.mu.Unlock()
	if fire {
		t.actor.observeTimings(timings)
	}
}

func (a *Actor) observeTimings(timings PublishTimings) {
	if a.metrics != nil && a.metrics.BroadcastLatency != nil {
		a.metrics.BroadcastLatency.WithLabelValues(a.ProjectID).
			Observe((timings.TBroadcastEnd - timings.TIngress) / 1000.0)
	}
	if fn := a.onTimings.Load(); fn != nil {
		(*fn)(timings)
	}
}
