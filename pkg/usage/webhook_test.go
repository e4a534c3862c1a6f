package usage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erebus-sh/erebus/pkg/logging"
)

type receivedBatch struct {
	events    []Event
	signature string
	body      []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, *[]receivedBatch, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	batches := &[]receivedBatch{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var events []Event
		if err := json.Unmarshal(body, &events); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		*batches = append(*batches, receivedBatch{
			events:    events,
			signature: r.Header.Get(SignatureHeader),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, batches, &mu
}

func TestWebhookSinkFlushesOnBatchSize(t *testing.T) {
	srv, batches, mu := newReceiver(t, http.StatusOK)
	defer srv.Close()

	secret := []byte("metering-secret")
	sink := NewWebhookSink(WebhookConfig{
		URL:           srv.URL,
		Secret:        secret,
		BatchSize:     3,
		FlushInterval: time.Hour, // only the size trigger should fire
	}, logging.NewLogger())

	for i := 0; i < 3; i++ {
		sink.Record(ConnectEvent("proj-1", "key-1"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(*batches)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := (*batches)[0]
	mu.Unlock()
	if len(got.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got.events))
	}
	if !VerifySignature(got.body, secret, got.signature) {
		t.Fatalf("HMAC signature did not verify")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWebhookSinkFlushesOnAge(t *testing.T) {
	srv, batches, mu := newReceiver(t, http.StatusOK)
	defer srv.Close()

	sink := NewWebhookSink(WebhookConfig{
		URL:           srv.URL,
		Secret:        []byte("s"),
		BatchSize:     1000,
		FlushInterval: 50 * time.Millisecond,
	}, logging.NewLogger())

	sink.Record(SubscribeEvent("proj-1", "key-1"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(*batches)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("age trigger never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWebhookSinkFlushesOnClose(t *testing.T) {
	srv, batches, mu := newReceiver(t, http.StatusOK)
	defer srv.Close()

	sink := NewWebhookSink(WebhookConfig{
		URL:           srv.URL,
		Secret:        []byte("s"),
		BatchSize:     1000,
		FlushInterval: time.Hour,
	}, logging.NewLogger())

	n := 5
	for i := 0; i < n; i++ {
		sink.Record(MessageEvent("proj-1", "key-1", 42))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range *batches {
		total += len(b.events)
	}
	if total != n {
		t.Fatalf("expected %d events flushed on close, got %d", n, total)
	}

	// Message events carry the payload size
	if pl := (*batches)[0].events[0].PayloadLength; pl == nil || *pl != 42 {
		t.Fatalf("payload length lost: %+v", (*batches)[0].events[0])
	}
}

func TestWebhookSinkDropsAfterRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var dropped int32
	sink := NewWebhookSink(WebhookConfig{
		URL:           srv.URL,
		Secret:        []byte("s"),
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		OnDrop:        func(count int) { atomic.AddInt32(&dropped, int32(count)) },
	}, logging.NewLogger())

	sink.Record(ConnectEvent("proj-1", "key-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 3 { // initial + 2 retries
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if atomic.LoadInt32(&dropped) != 1 {
		t.Fatalf("expected the event to be counted as dropped")
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`[{"project_id":"p"}]`)
	secret := []byte("shh")

	sig := Sign(body, secret)
	if !VerifySignature(body, secret, sig) {
		t.Fatalf("signature should verify")
	}
	if VerifySignature(body, []byte("other"), sig) {
		t.Fatalf("wrong secret must not verify")
	}
	if VerifySignature([]byte("tampered"), secret, sig) {
		t.Fatalf("tampered body must not verify")
	}
	if VerifySignature(body, secret, "zzzz") {
		t.Fatalf("non-hex signature must not verify")
	}
}
