package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/erebus-sh/erebus/pkg/logging"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string

	BatchSize     int
	FlushInterval time.Duration
	MaxBuffered   int
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Topic == "" {
		c.Topic = "usage_events"
	}
	if c.ClientID == "" {
		c.ClientID = "erebus-gateway"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 4096
	}
	return c
}

// KafkaSink ships usage batches to a Kafka topic instead of the webhook.
// Deployments that already run an event backbone point the aggregation
// tier's consumer at the topic.
type KafkaSink struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger logging.Logger

	intake chan Event
	done   chan struct{}
}

// NewKafkaSink connects a producer and starts the flush loop.
func NewKafkaSink(cfg KafkaConfig, logger logging.Logger) (*KafkaSink, error) {
	cfg = cfg.withDefaults()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	s := &KafkaSink{
		cfg:    cfg,
		client: client,
		logger: logger,
		intake: make(chan Event, cfg.MaxBuffered),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record implements Sink.
func (s *KafkaSink) Record(event Event) {
	select {
	case s.intake <- event:
	default:
		s.logger.WithFields(logging.Fields{
			"project_id": event.ProjectID,
			"event":      event.Event,
		}).Warn("Usage intake full, dropping event")
	}
}

// Close flushes remaining events and closes the producer.
func (s *KafkaSink) Close(ctx context.Context) error {
	close(s.intake)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.client.Close()
	return nil
}

func (s *KafkaSink) run() {
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

func (s *KafkaSink) deliver(batch []Event) {
	value, err := json.Marshal(batch)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode usage batch")
		return
	}

	// One record per batch; the consumer side fans the array back out.
	// Keyed by project so a project's events stay ordered per partition.
	record := &kgo.Record{
		Topic: s.cfg.Topic,
		Key:   []byte(batch[0].ProjectID),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"events": len(batch),
			"topic":  s.cfg.Topic,
		}).Error("Usage batch dropped after kafka produce failure")
	}
}
