package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erebus-sh/erebus/pkg/clients"
	"github.com/erebus-sh/erebus/pkg/logging"
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	// URL is the base of the aggregation tier; events POST to URL + "/usage".
	URL    string
	Secret []byte

	// Flush triggers: a batch this large, or a buffered event this old.
	BatchSize     int
	FlushInterval time.Duration

	// MaxBuffered bounds the intake queue; overflow drops the newest event.
	MaxBuffered int

	// Retry shape for one flush attempt series.
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Logger     logging.Logger

	// OnDrop observes dropped events (queue overflow or exhausted retries).
	OnDrop func(count int)
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 4096
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = clients.NewHTTPClient(c.RequestTimeout)
	}
	return c
}

// WebhookSink batches events and ships them over an HMAC-signed webhook.
// Delivery is best-effort: after the retry budget the batch is dropped with
// a logged failure.
type WebhookSink struct {
	cfg    WebhookConfig
	logger logging.Logger

	intake chan Event
	done   chan struct{}
}

// NewWebhookSink starts the sink's flush loop.
func NewWebhookSink(cfg WebhookConfig, logger logging.Logger) *WebhookSink {
	cfg = cfg.withDefaults()
	s := &WebhookSink{
		cfg:    cfg,
		logger: logger,
		intake: make(chan Event, cfg.MaxBuffered),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record implements Sink. It never blocks: when the intake queue is full
// the event is dropped and counted.
func (s *WebhookSink) Record(event Event) {
	select {
	case s.intake <- event:
	default:
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(1)
		}
		s.logger.WithFields(logging.Fields{
			"project_id": event.ProjectID,
			"event":      event.Event,
		}).Warn("Usage intake full, dropping event")
	}
}

// Close flushes remaining events and stops the loop.
func (s *WebhookSink) Close(ctx context.Context) error {
	close(s.intake)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebhookSink) run() {
	defer close(s.done)

	batch := make([]Event, 0, s.cfg.BatchSize)
	var ageTimer *time.Timer
	var ageC <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.deliver(batch)
		batch = make([]Event, 0, s.cfg.BatchSize)
		if ageTimer != nil {
			ageTimer.Stop()
			ageTimer = nil
			ageC = nil
		}
	}

	for {
		select {
		case event, ok := <-s.intake:
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				ageTimer = time.NewTimer(s.cfg.FlushInterval)
				ageC = ageTimer.C
			}
			batch = append(batch, event)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ageC:
			ageTimer = nil
			ageC = nil
			flush()
		}
	}
}

// deliver posts one batch, retrying with exponential backoff and jitter. On
// exhausted retries the batch is dropped.
func (s *WebhookSink) deliver(batch []Event) {
	body, err := json.Marshal(batch)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode usage batch")
		return
	}
	signature := Sign(body, s.cfg.Secret)

	executor := clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
		MaxRetries: s.cfg.MaxRetries,
		BaseDelay:  s.cfg.BaseDelay,
		MaxDelay:   s.cfg.MaxDelay,
	})

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.MaxRetries+1)*s.cfg.RequestTimeout)
	defer cancel()

	resp, err := clients.ExecuteHTTP(ctx, executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.cfg.URL+"/usage", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature)

		resp, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Drain so the connection can be reused, then surface the status
			// to the retry policy
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return resp, fmt.Errorf("usage webhook returned %d", resp.StatusCode)
		}
		return resp, nil
	})

	if err != nil {
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(len(batch))
		}
		s.logger.WithError(err).WithFields(logging.Fields{
			"events": len(batch),
		}).Error("Usage batch dropped after retries")
		return
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
