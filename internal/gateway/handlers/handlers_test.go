package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/erebus-sh/erebus/internal/gateway/channel"
	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/protocol"
	"github.com/erebus-sh/erebus/pkg/testutil"
	"github.com/erebus-sh/erebus/pkg/usage"
)

const readTimeout = 2 * time.Second

type testServer struct {
	srv      *httptest.Server
	registry *channel.Registry
	kit      *testutil.GrantKit
}

func newTestServer(t *testing.T, cfg channel.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kit := testutil.NewGrantKit(t)
	logger := logging.NewLogger()
	registry := channel.NewRegistry(cfg, kit.Verifier, usage.NoopSink{}, logger, nil)

	router := gin.New()
	New(registry, nil, cfg, logger).RegisterRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})
	return &testServer{srv: srv, registry: registry, kit: kit}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, header http.Header) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/pubsub"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame []byte, err error) {
	c.t.Helper()
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) connect(token string) {
	c.t.Helper()
	c.send(protocol.EncodeConnect(&protocol.ConnectData{GrantJWT: token}))
}

func (c *wsClient) subscribe(topic string) {
	c.t.Helper()
	c.send(protocol.EncodeSubscribe(&protocol.SubscribeData{Topic: topic}))
}

func (c *wsClient) publish(topic, clientMsgID string, payload interface{}) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	c.send(protocol.EncodePublish(&protocol.PublishData{
		Topic:       topic,
		Payload:     raw,
		ClientMsgID: clientMsgID,
	}))
}

func (c *wsClient) readFrame() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return data
}

func (c *wsClient) expectAck() *protocol.AckData {
	c.t.Helper()
	ack, err := protocol.DecodeAck(c.readFrame())
	if err != nil {
		c.t.Fatalf("expected ack: %v", err)
	}
	return ack
}

func (c *wsClient) expectBroadcast() *protocol.MessageBody {
	c.t.Helper()
	body, err := protocol.DecodeBroadcast(c.readFrame())
	if err != nil {
		c.t.Fatalf("expected broadcast: %v", err)
	}
	return body
}

func (c *wsClient) expectClose(code int) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue // drain frames queued before the close
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			c.t.Fatalf("expected close error with code %d, got %v", code, err)
		}
		if closeErr.Code != code {
			c.t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func (c *wsClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected no frame, got: %s", data)
	}
	if netErr, ok := err.(interface{ Timeout() bool }); !ok || !netErr.Timeout() {
		c.t.Fatalf("expected read timeout, got: %v", err)
	}
}

func TestTwoSubscribersOnePublisher(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grantA := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeReadWrite}))
	grantB := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "bob",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	a := ts.dial(t, nil)
	a.connect(grantA)
	a.subscribe("chat")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe ack failed: %+v", ack)
	}

	b := ts.dial(t, nil)
	b.connect(grantB)
	b.subscribe("chat")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe ack failed: %+v", ack)
	}

	for i := 1; i <= 5; i++ {
		a.publish("chat", fmt.Sprintf("m%d", i), fmt.Sprintf("hello %d", i))
	}

	// A gets ok acks with echoed client ids and increasing seq
	var lastSeq uint64
	var lastID string
	for i := 1; i <= 5; i++ {
		ack := a.expectAck()
		if !ack.Result.OK {
			t.Fatalf("publish %d ack failed: %+v", i, ack)
		}
		if ack.ClientMsgID != fmt.Sprintf("m%d", i) {
			t.Fatalf("publish %d: client msg id not echoed: %+v", i, ack)
		}
		if ack.Seq != lastSeq+1 {
			t.Fatalf("publish %d: expected seq %d, got %d", i, lastSeq+1, ack.Seq)
		}
		if ack.ServerAssignedID <= lastID {
			t.Fatalf("publish %d: server id %q not greater than %q", i, ack.ServerAssignedID, lastID)
		}
		if ack.TIngress == nil {
			t.Fatalf("publish ack should carry t_ingress")
		}
		lastSeq = ack.Seq
		lastID = ack.ServerAssignedID
	}

	// B receives all five, in order, attributed to alice
	for i := 1; i <= 5; i++ {
		msg := b.expectBroadcast()
		if msg.Seq != uint64(i) {
			t.Fatalf("message %d: expected seq %d, got %d", i, i, msg.Seq)
		}
		if msg.SenderID != "alice" {
			t.Fatalf("message %d: expected sender alice, got %q", i, msg.SenderID)
		}
		if msg.ClientMsgID != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d: client msg id not preserved: %+v", i, msg)
		}
		var payload string
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload != fmt.Sprintf("hello %d", i) {
			t.Fatalf("message %d: payload lost: %s", i, msg.Payload)
		}
		if msg.TIngress == nil || msg.TEnqueued == nil || msg.TBroadcastBegin == nil {
			t.Fatalf("message %d: timing fields missing: %+v", i, msg)
		}
	}

	// The publisher never receives its own message
	a.expectSilence(300 * time.Millisecond)
}

func TestForbiddenPublishKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	c := ts.dial(t, nil)
	c.connect(grant)
	c.publish("chat", "m1", "nope")

	ack := c.expectAck()
	if ack.Result.OK || ack.Result.Code != protocol.AckForbidden {
		t.Fatalf("expected FORBIDDEN ack, got %+v", ack)
	}
	if ack.ClientMsgID != "m1" {
		t.Fatalf("client msg id not echoed on failure: %+v", ack)
	}

	// Connection is still usable
	c.subscribe("chat")
	if ack := c.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe after forbidden publish should work: %+v", ack)
	}
}

func TestExpiredGrantClosesUnauthorized(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeReadWrite})
	grant.IssuedAt = time.Now().Add(-time.Hour)
	grant.ExpiresAt = time.Now().Add(-time.Second)
	token := ts.kit.MintGrant(t, grant)

	c := ts.dial(t, nil)
	c.connect(token)
	c.expectClose(protocol.CloseUnauthorized)
}

func TestIdempotentSubscribe(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grantA := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))
	grantB := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "bob",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeWrite}))

	a := ts.dial(t, nil)
	a.connect(grantA)
	for i := 0; i < 3; i++ {
		a.subscribe("chat")
		if ack := a.expectAck(); !ack.Result.OK {
			t.Fatalf("subscribe %d should succeed: %+v", i, ack)
		}
	}

	b := ts.dial(t, nil)
	b.connect(grantB)
	b.publish("chat", "m1", "once")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("publish failed: %+v", ack)
	}

	// Exactly one delivery despite three subscribes
	msg := a.expectBroadcast()
	if msg.ClientMsgID != "m1" {
		t.Fatalf("wrong message: %+v", msg)
	}
	a.expectSilence(300 * time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grantA := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))
	grantB := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "bob",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeWrite}))

	a := ts.dial(t, nil)
	a.connect(grantA)
	a.subscribe("chat")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe: %+v", ack)
	}

	a.send(protocol.EncodeUnsubscribe(&protocol.UnsubscribeData{Topic: "chat"}))
	if ack := a.expectAck(); !ack.Result.OK || ack.Path != protocol.AckPathUnsubscribe {
		t.Fatalf("unsubscribe: %+v", ack)
	}
	// Unsubscribing again is a no-op success
	a.send(protocol.EncodeUnsubscribe(&protocol.UnsubscribeData{Topic: "chat"}))
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("second unsubscribe: %+v", ack)
	}

	b := ts.dial(t, nil)
	b.connect(grantB)
	b.publish("chat", "m1", "gone")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("publish: %+v", ack)
	}

	a.expectSilence(300 * time.Millisecond)
}

func TestWildcardGrant(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: auth.TopicWildcard, Scope: auth.ScopeReadWrite}))
	reader := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "bob",
		auth.TopicGrant{Topic: auth.TopicWildcard, Scope: auth.ScopeRead}))

	b := ts.dial(t, nil)
	b.connect(reader)
	b.subscribe("anything_goes")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("wildcard read should allow subscribe: %+v", ack)
	}

	a := ts.dial(t, nil)
	a.connect(grant)
	a.publish("anything_goes", "m1", "hi")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("wildcard read-write should allow publish: %+v", ack)
	}

	if msg := b.expectBroadcast(); msg.Topic != "anything_goes" {
		t.Fatalf("wrong topic: %+v", msg)
	}

	// Wildcard read alone must not allow publish
	b.publish("anything_goes", "m2", "nope")
	if ack := b.expectAck(); ack.Result.OK || ack.Result.Code != protocol.AckForbidden {
		t.Fatalf("expected FORBIDDEN for wildcard read publish, got %+v", ack)
	}
}

func TestConnectGraceTimeout(t *testing.T) {
	ts := newTestServer(t, channel.Config{ConnectGrace: 100 * time.Millisecond})

	c := ts.dial(t, nil)
	c.expectClose(protocol.CloseRequestTimeout)
}

func TestMalformedFrameCloses(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	c := ts.dial(t, nil)
	c.connect(grant)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"publish","data":{"topic":"chat"},"smuggled":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectClose(protocol.CloseBadRequest)
}

func TestPublishBeforeConnectCloses(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	c := ts.dial(t, nil)
	c.publish("chat", "m1", "early")
	c.expectClose(protocol.CloseUnauthorized)
}

func TestGrantHeaderAuthenticates(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeReadWrite}))

	header := http.Header{}
	header.Set(HeaderGrant, grant)
	c := ts.dial(t, header)

	// No Connect frame needed; the upgrade header authenticated us
	c.subscribe("chat")
	if ack := c.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe after header auth should work: %+v", ack)
	}
}

func TestChannelIsolation(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grantA := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room-a", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeReadWrite}))
	grantB := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room-b", "bob",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	b := ts.dial(t, nil)
	b.connect(grantB)
	b.subscribe("chat")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe: %+v", ack)
	}

	a := ts.dial(t, nil)
	a.connect(grantA)
	a.subscribe("chat")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe: %+v", ack)
	}
	a.publish("chat", "m1", "same topic, different channel")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("publish: %+v", ack)
	}

	// Same topic name on another channel must not leak
	b.expectSilence(300 * time.Millisecond)
}

func TestCloseCleanup(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	c := ts.dial(t, nil)
	c.connect(grant)
	c.subscribe("chat")
	if ack := c.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe: %+v", ack)
	}

	actor, ok := ts.registry.Lookup("proj-1", "room", "default")
	if !ok {
		t.Fatalf("actor should exist")
	}
	if actor.ConnCount() != 1 {
		t.Fatalf("expected 1 connection, got %d", actor.ConnCount())
	}

	c.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for actor.ConnCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not cleaned up, count=%d", actor.ConnCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTimingMonotonicity(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	grantA := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeWrite}))
	grantB := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "bob",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	b := ts.dial(t, nil)
	b.connect(grantB)
	b.subscribe("chat")
	if ack := b.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe: %+v", ack)
	}

	a := ts.dial(t, nil)
	a.connect(grantA)

	actor, ok := ts.registry.Lookup("proj-1", "room", "default")
	if !ok {
		t.Fatalf("actor should exist")
	}
	timingsCh := make(chan channel.PublishTimings, 1)
	actor.SetTimingsHook(func(pt channel.PublishTimings) {
		select {
		case timingsCh <- pt:
		default:
		}
	})

	a.publish("chat", "m1", "timed")
	if ack := a.expectAck(); !ack.Result.OK {
		t.Fatalf("publish: %+v", ack)
	}
	if msg := b.expectBroadcast(); msg.ClientMsgID != "m1" {
		t.Fatalf("wrong message: %+v", msg)
	}

	select {
	case pt := <-timingsCh:
		if pt.Recipients != 1 || len(pt.TWSWriteEnds) != 1 {
			t.Fatalf("expected one recipient write, got %+v", pt)
		}
		if !(pt.TIngress <= pt.TEnqueued && pt.TEnqueued <= pt.TBroadcastBegin &&
			pt.TBroadcastBegin <= pt.TWSWriteEnds[0] && pt.TWSWriteEnds[0] <= pt.TBroadcastEnd) {
			t.Fatalf("timings not monotonic: %+v", pt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timings hook never fired")
	}
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	ts := newTestServer(t, channel.Config{HeartbeatInterval: 50 * time.Millisecond})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeRead}))

	header := http.Header{}
	header.Set(HeaderGrant, grant)
	c := ts.dial(t, header)

	// Suppress pong replies entirely so every heartbeat goes unanswered
	c.conn.SetPingHandler(func(string) error { return nil })
	time.Sleep(400 * time.Millisecond)
	c.expectClose(protocol.CloseRequestTimeout)
}

func TestPublishRateLimitAck(t *testing.T) {
	ts := newTestServer(t, channel.Config{PublishPerSecond: 1})

	grant := ts.kit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "alice",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeWrite}))

	c := ts.dial(t, nil)
	c.connect(grant)
	c.publish("chat", "m1", "first")
	if ack := c.expectAck(); !ack.Result.OK {
		t.Fatalf("first publish should pass: %+v", ack)
	}

	c.publish("chat", "m2", "too fast")
	ack := c.expectAck()
	if ack.Result.OK || ack.Result.Code != protocol.AckRateLimited {
		t.Fatalf("expected RATE_LIMITED ack, got %+v", ack)
	}

	// The connection survives a rate-limited publish
	c.subscribe("chat")
	if ack := c.expectAck(); !ack.Result.OK {
		t.Fatalf("subscribe after rate limit should work: %+v", ack)
	}
}

func TestInvalidTokenOnConnect(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	// A token signed by a different keypair
	otherKit := testutil.NewGrantKit(t)
	token := otherKit.MintGrant(t, testutil.SimpleGrant("proj-1", "room", "mallory",
		auth.TopicGrant{Topic: "chat", Scope: auth.ScopeReadWrite}))

	c := ts.dial(t, nil)
	c.connect(token)
	c.expectClose(protocol.CloseUnauthorized)
}

func TestGarbageTokenOnConnect(t *testing.T) {
	ts := newTestServer(t, channel.Config{})

	c := ts.dial(t, nil)
	c.connect("not-a-token")
	c.expectClose(protocol.CloseBadRequest)
}
