package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/risk"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/internal/valuation"
)

// Engine is what the feeds drive
type Engine interface {
	RevalueScheme(ctx context.Context, schemeID string, nav decimal.Decimal, asOf time.Time) (*risk.RevaluationResult, error)
	ApplyPayment(ctx context.Context, loanID string, req ledger.PaymentRequest) (*risk.PaymentOutcome, error)
}

// PaymentMessage is one delivery on the payment topic
type PaymentMessage struct {
	LoanID string `json:"loan_id"`
	ledger.PaymentRequest
}

// NAVTickHandler applies {scheme_id, nav, as_of} messages
func NAVTickHandler(engine Engine) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var tick valuation.NAVTick
		if err := json.Unmarshal(msg.Value, &tick); err != nil {
			return fmt.Errorf("%w: malformed nav tick: %v", types.ErrValidation, err)
		}
		if tick.SchemeID == "" {
			tick.SchemeID = string(msg.Key)
		}

		_, err := engine.RevalueScheme(ctx, tick.SchemeID, tick.NAV, tick.AsOf)
		return err
	}
}

// PaymentHandler applies payment messages. A message without an idempotency
// key is keyed by its position in the topic, which is stable across
// redelivery.
func PaymentHandler(engine Engine) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payment PaymentMessage
		if err := json.Unmarshal(msg.Value, &payment); err != nil {
			return fmt.Errorf("%w: malformed payment: %v", types.ErrValidation, err)
		}
		if payment.LoanID == "" {
			payment.LoanID = string(msg.Key)
		}
		if payment.IdempotencyKey == "" {
			payment.IdempotencyKey = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		}

		_, err := engine.ApplyPayment(ctx, payment.LoanID, payment.PaymentRequest)
		return err
	}
}
