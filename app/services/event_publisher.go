package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/amirphl/Kusanagi/config"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events to a topic
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, message any) error
	Close() error
}

// kafkaWriter is the subset of *kafka.Writer the publisher needs
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON messages with exponential backoff between attempts
type KafkaPublisher struct {
	writers map[string]kafkaWriter
	cfg     config.KafkaConfig
	logger  *zap.Logger
}

// NewKafkaPublisher creates one writer per configured topic
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writers := map[string]kafkaWriter{
		cfg.CreditedTopic: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.CreditedTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
	return &KafkaPublisher{writers: writers, cfg: cfg, logger: logger.Named("kafka")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, message any) error {
	writer, ok := p.writers[topic]
	if !ok {
		return fmt.Errorf("no writer configured for topic %s", topic)
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("error marshaling message: %w", err)
	}
	return p.publishWithRetry(ctx, writer, kafka.Message{Key: []byte(key), Value: data}, topic)
}

func (p *KafkaPublisher) publishWithRetry(ctx context.Context, writer kafkaWriter, msg kafka.Message, topic string) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("message published after retry", zap.String("topic", topic), zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		delay := p.backoff(attempt)
		p.logger.Warn("publish failed, retrying",
			zap.String("topic", topic),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
	return fmt.Errorf("failed to publish message to topic '%s' after %d attempts: %w", topic, p.cfg.MaxAttempts, lastErr)
}

func (p *KafkaPublisher) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * p.cfg.BaseRetryDelay
	if delay > p.cfg.MaxRetryDelay {
		delay = p.cfg.MaxRetryDelay
	}
	if p.cfg.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}
	return delay
}

func (p *KafkaPublisher) Close() error {
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer %s: %w", topic, err)
		}
	}
	return firstErr
}

// NoopPublisher drops events; used when Kafka is disabled
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic, key string, message any) error { return nil }
func (NoopPublisher) Close() error                                                      { return nil }
