// Package events publishes margin call transitions for downstream notifiers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/margincall"
)

// MarginCallEvent is the record emitted whenever a margin call changes state
type MarginCallEvent struct {
	EventID      string          `json:"event_id"`
	Kind         margincall.Kind `json:"kind"`
	LoanID       string          `json:"loan_id"`
	MarginCallID string          `json:"margin_call_id"`
	Status       string          `json:"status"`
	TriggerLTV   decimal.Decimal `json:"trigger_ltv"`
	CurrentLTV   decimal.Decimal `json:"current_ltv"`
	Shortfall    decimal.Decimal `json:"shortfall_amount"`
	DueDate      time.Time       `json:"due_date"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// FromTransition builds the event for an applied transition. ok is false for
// transitions nobody downstream cares about.
func FromTransition(tr *margincall.Transition, at time.Time) (MarginCallEvent, bool) {
	if tr == nil || !tr.Applied || tr.MarginCall == nil || tr.Kind == margincall.KindHold {
		return MarginCallEvent{}, false
	}
	mc := tr.MarginCall
	return MarginCallEvent{
		EventID:      "EVT_" + uuid.New().String(),
		Kind:         tr.Kind,
		LoanID:       mc.LoanID,
		MarginCallID: mc.MarginCallID,
		Status:       mc.Status,
		TriggerLTV:   mc.TriggerLTV,
		CurrentLTV:   mc.CurrentLTV,
		Shortfall:    mc.ShortfallAmount,
		DueDate:      mc.DueDate,
		OccurredAt:   at,
	}, true
}

// Publisher delivers margin call events
type Publisher interface {
	PublishMarginCall(ctx context.Context, event MarginCallEvent) error
	Close() error
}

// NopPublisher drops every event; used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) PublishMarginCall(ctx context.Context, event MarginCallEvent) error {
	log.Debug().
		Str("loan_id", event.LoanID).
		Str("kind", string(event.Kind)).
		Msg("margin call event dropped, no publisher configured")
	return nil
}

func (NopPublisher) Close() error { return nil }

// MessageWriter is the part of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by loan id so that a
// consumer sees each loan's transitions in order
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds the writer used in production
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
}

func NewKafkaPublisher(writer MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
	}
}

func (p *KafkaPublisher) PublishMarginCall(ctx context.Context, event MarginCallEvent) error {
	logger := log.With().
		Str("loan_id", event.LoanID).
		Str("margin_call_id", event.MarginCallID).
		Str("kind", string(event.Kind)).
		Str("service", "events").
		Logger()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal margin call event: %w", err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.LoanID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("margin_call." + string(event.Kind))},
		},
		Time: event.OccurredAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to publish margin call event")
		return fmt.Errorf("failed to publish margin call event: %w", err)
	}

	logger.Debug().Str("topic", p.topic).Msg("margin call event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
