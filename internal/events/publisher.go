// Package events publishes interview events to the reporting
// collaborator over Kafka, with a log-only mode when Kafka is disabled.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-voice-interview-bridge/internal/observability/metrics"
)

// Publisher publishes turn and final-transcript events to separate topics.
type Publisher struct {
	writerTurn       *kafka.Writer
	writerTranscript *kafka.Writer
	principal        string
	topicTurn        string
	topicTranscript  string
	enabled          bool
	metrics          *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTurn       string
	TopicTranscript string
	Principal       string
	Enabled         bool
}

// New creates a Kafka publisher. A nil config, Enabled=false, or an
// empty broker list all yield log-only mode: publishes succeed without
// touching the network so the bridge behaves identically either way.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTurn:       cfg.TopicTurn,
			topicTranscript: cfg.TopicTranscript,
			enabled:         false,
			metrics:         m,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writerTurn := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicTurn,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
	writerTranscript := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicTranscript,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTurn", cfg.TopicTurn).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTurn:       writerTurn,
		writerTranscript: writerTranscript,
		principal:        cfg.Principal,
		topicTurn:        cfg.TopicTurn,
		topicTranscript:  cfg.TopicTranscript,
		enabled:          true,
		metrics:          m,
	}
}

// PublishTurn publishes a recorded turn, keyed by session ID.
func (p *Publisher) PublishTurn(ctx context.Context, sessionID string, event any) error {
	return p.publish(ctx, p.writerTurn, p.topicTurn, sessionID, event)
}

// PublishTranscript publishes the final transcript, keyed by session ID.
func (p *Publisher) PublishTranscript(ctx context.Context, sessionID string, event any) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, sessionID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordPublish(topic, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordPublish(topic, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordPublish(topic, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTurn != nil {
		if e := p.writerTurn.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing turn writer")
			err = e
		}
	}
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	return err
}
