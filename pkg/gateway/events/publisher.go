// Package events publishes one record per finished conversation turn.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
)

const sinkKafka = "kafka"
const sinkLog = "log"

// TurnEvent is the record written for each completed or interrupted turn.
type TurnEvent struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id,omitempty"`
	Turn        uint64    `json:"turn"`
	User        string    `json:"user"`
	Assistant   string    `json:"assistant"`
	Interrupted bool      `json:"interrupted"`
	CompletedAt time.Time `json:"completed_at"`
}

// Sink receives turn events. Publish must not block on the network.
type Sink interface {
	Publish(ctx context.Context, ev TurnEvent) error
}

type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes turn events to Kafka, or only logs them when Kafka is
// disabled.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, turn events are logged only")
		return &Publisher{topic: cfg.Topic, logger: logger, metrics: m}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p := &Publisher{topic: cfg.Topic, enabled: true, logger: logger, metrics: m}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		// WriteMessages returns at once; delivery results arrive in Completion.
		Async:      true,
		Completion: p.completion,
	}
	logger.Info("kafka turn publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return p
}

// Publish encodes ev and hands it to the writer keyed by session, so the
// turns of one session stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, ev TurnEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.metrics.EventPublished(p.sink(), "error")
		return err
	}
	p.logger.Debug("turn event",
		"session_id", ev.SessionID,
		"turn", ev.Turn,
		"interrupted", ev.Interrupted,
		"payload", string(payload),
	)
	if !p.enabled || p.writer == nil {
		p.metrics.EventPublished(sinkLog, "ok")
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("turn")},
			{Key: "turn", Value: []byte(strconv.FormatUint(ev.Turn, 10))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to write turn event", "topic", p.topic, "session_id", ev.SessionID, "error", err)
		p.metrics.EventPublished(sinkKafka, "error")
		return err
	}
	return nil
}

func (p *Publisher) completion(msgs []kafka.Message, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		p.logger.Error("turn events not delivered", "topic", p.topic, "count", len(msgs), "error", err)
	}
	for range msgs {
		p.metrics.EventPublished(sinkKafka, outcome)
	}
}

func (p *Publisher) sink() string {
	if p.enabled {
		return sinkKafka
	}
	return sinkLog
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
