// Package feed consumes the NAV and payment topics and hands each message
// to the risk engine.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ksred/klear-lending/internal/metrics"
	"github.com/ksred/klear-lending/internal/types"
)

// MessageReader is the part of *kafka.Reader a consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message
type Handler func(ctx context.Context, msg kafka.Message) error

// NewKafkaReader builds a consumer-group reader that starts at the oldest
// uncommitted offset
func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
	})
}

// Consumer fetches, handles and commits messages one at a time, which keeps
// per-partition order. Failed messages are retried with backoff; messages
// that can never succeed are logged and committed so they do not block the
// partition.
type Consumer struct {
	topic       string
	reader      MessageReader
	handle      Handler
	metrics     *metrics.Registry
	maxAttempts int
	backoff     time.Duration
}

func NewConsumer(topic string, reader MessageReader, handle Handler, m *metrics.Registry) *Consumer {
	return &Consumer{
		topic:       topic,
		reader:      reader,
		handle:      handle,
		metrics:     m,
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
	}
}

// Start consumes until ctx is cancelled or the reader fails
func (c *Consumer) Start(ctx context.Context) error {
	logger := log.With().
		Str("component", "feed_consumer").
		Str("topic", c.topic).
		Logger()
	logger.Info().Msg("starting feed consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("shutting down feed consumer")
				return nil
			}
			logger.Error().Err(err).Msg("failed to fetch message")
			return err
		}

		result := c.process(ctx, msg)
		if result == "cancelled" {
			logger.Info().Msg("shutting down feed consumer")
			return nil
		}
		c.metrics.ObserveFeedMessage(c.topic, result)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
			return err
		}
	}
}

// process returns the result label of one message
func (c *Consumer) process(ctx context.Context, msg kafka.Message) string {
	logger := log.With().
		Str("topic", c.topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("key", string(msg.Key)).
		Logger()

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, msg)
		switch {
		case err == nil:
			return "ok"
		case ctx.Err() != nil:
			return "cancelled"
		case !Retryable(err):
			logger.Warn().Err(err).Msg("dropping message that cannot be applied")
			return "rejected"
		case attempt >= c.maxAttempts:
			logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on message")
			return "failed"
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("message failed, retrying")
		select {
		case <-ctx.Done():
			return "cancelled"
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Retryable reports whether redelivering the message could succeed
func Retryable(err error) bool {
	switch {
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrExternalData),
		errors.Is(err, types.ErrInconsistentState):
		return false
	}
	return true
}
