// Package margincall raises, resolves and liquidates margin calls on
// loans whose LTV breaches their product's thresholds.
package margincall

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/pkg/response"
)

// Shortfall is the top-up that brings LTV back to threshold:
// outstanding minus the outstanding that threshold% of collateral supports
func Shortfall(outstanding, collateral, threshold decimal.Decimal) decimal.Decimal {
	gap := types.RoundMoney(outstanding.Sub(types.Percent(collateral, threshold)))
	if gap.IsNegative() {
		return decimal.Zero
	}
	return gap
}

func marginable(status string) bool {
	return status == types.LoanStatusActive || status == types.LoanStatusNPA
}

// Decide is the margin call state machine. open is the loan's PENDING call,
// or nil.
//
//	no call,  ltv >= margin threshold              -> CREATE
//	open,     ltv <  margin threshold              -> RESOLVE
//	open,     past due and ltv >= liquidation      -> LIQUIDATE
//	open,     otherwise                            -> HOLD
func Decide(open *types.MarginCall, in Input) Decision {
	d := Decision{
		Kind:       KindNone,
		LoanID:     in.LoanID,
		CurrentLTV: in.LTV,
		Shortfall:  Shortfall(in.TotalOutstanding, in.CollateralValue, in.Product.MarginCallThreshold),
	}

	if open == nil {
		if marginable(in.LoanStatus) && in.LTV.GreaterThanOrEqual(in.Product.MarginCallThreshold) {
			d.Kind = KindCreate
			d.TriggerLTV = in.Product.MarginCallThreshold
			d.DueDate = in.Now.Add(in.Product.MarginCallSLA)
		}
		return d
	}

	d.TriggerLTV = open.TriggerLTV
	d.DueDate = open.DueDate

	switch {
	case in.LTV.LessThan(in.Product.MarginCallThreshold):
		d.Kind = KindResolve
	case in.Now.After(open.DueDate) && in.LTV.GreaterThanOrEqual(in.Product.LiquidationThreshold):
		d.Kind = KindLiquidate
	default:
		d.Kind = KindHold
	}
	return d
}

type Service struct {
	db  *Database
	now func() time.Time
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		now: time.Now,
	}
}

// SetClock replaces the wall clock, used by tests and simulations
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetOpen returns the loan's PENDING call, or nil
func (s *Service) GetOpen(ctx context.Context, loanID string) (*types.MarginCall, error) {
	return s.db.GetOpen(ctx, loanID)
}

// Apply persists a decision. Every write is conditional on the call still
// being PENDING (or absent, for CREATE); losing a race leaves Applied false
// and is not an error.
func (s *Service) Apply(ctx context.Context, open *types.MarginCall, d Decision) (*Transition, error) {
	logger := log.With().
		Str("loan_id", d.LoanID).
		Str("decision", string(d.Kind)).
		Str("service", "margincall").
		Logger()

	now := s.now()
	t := &Transition{Kind: d.Kind, MarginCall: open}

	switch d.Kind {
	case KindNone:
		return t, nil

	case KindCreate:
		call := &types.MarginCall{
			MarginCallID:    "MC_" + uuid.New().String(),
			LoanID:          d.LoanID,
			TriggerLTV:      d.TriggerLTV,
			CurrentLTV:      d.CurrentLTV,
			ShortfallAmount: d.Shortfall,
			Status:          types.MarginCallPending,
			DueDate:         d.DueDate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		created, err := s.db.CreateIfAbsent(ctx, call)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create margin call")
			return nil, fmt.Errorf("failed to create margin call: %w", err)
		}
		if !created {
			logger.Debug().Msg("margin call already open, create skipped")
			existing, err := s.db.GetOpen(ctx, d.LoanID)
			if err != nil {
				return nil, err
			}
			t.MarginCall = existing
			return t, nil
		}
		t.Applied = true
		t.MarginCall = call
		logger.Warn().
			Str("margin_call_id", call.MarginCallID).
			Str("ltv", call.CurrentLTV.String()).
			Str("threshold", call.TriggerLTV.String()).
			Str("shortfall", call.ShortfallAmount.String()).
			Time("due_date", call.DueDate).
			Msg("margin call raised")

	case KindHold:
		ok, err := s.db.Refresh(ctx, open.MarginCallID, d.CurrentLTV, d.Shortfall, now)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh margin call: %w", err)
		}
		t.Applied = ok
		if ok {
			open.CurrentLTV = d.CurrentLTV
			open.ShortfallAmount = d.Shortfall
			open.UpdatedAt = now
		}

	case KindResolve, KindLiquidate:
		status := types.MarginCallResolved
		if d.Kind == KindLiquidate {
			status = types.MarginCallLiquidated
		}
		ok, err := s.db.Close(ctx, open.MarginCallID, status, d.CurrentLTV, now)
		if err != nil {
			return nil, fmt.Errorf("failed to close margin call: %w", err)
		}
		t.Applied = ok
		if ok {
			at := now
			open.Status = status
			open.CurrentLTV = d.CurrentLTV
			open.ResolvedAt = &at
			open.UpdatedAt = now
			logger.Info().
				Str("margin_call_id", open.MarginCallID).
				Str("ltv", d.CurrentLTV.String()).
				Msg("margin call closed")
		}
	}

	return t, nil
}

// Resolve closes a loan's open call outside the risk loop, for example when
// the loan is foreclosed
func (s *Service) Resolve(ctx context.Context, loanID string) (*Transition, error) {
	open, err := s.db.GetOpen(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return &Transition{Kind: KindNone}, nil
	}
	return s.Apply(ctx, open, Decision{Kind: KindResolve, LoanID: loanID, CurrentLTV: open.CurrentLTV})
}

func (s *Service) ListForLoan(ctx context.Context, loanID string) ([]types.MarginCall, error) {
	return s.db.GetByLoan(ctx, loanID)
}

func (s *Service) ListByStatus(ctx context.Context, status string) ([]types.MarginCall, error) {
	return s.db.GetByStatus(ctx, status)
}

func (s *Service) Get(ctx context.Context, marginCallID string) (*types.MarginCall, error) {
	return s.db.GetByID(ctx, marginCallID)
}

// GinHandlers contains HTTP handlers for margin call endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ListForLoanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		calls, err := h.service.ListForLoan(c.Request.Context(), c.Param("loan_id"))
		response.Handle(c, calls, err)
	}
}

// ListHandler lists calls by status, PENDING by default
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.DefaultQuery("status", types.MarginCallPending)
		calls, err := h.service.ListByStatus(c.Request.Context(), status)
		response.Handle(c, calls, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		call, err := h.service.Get(c.Request.Context(), c.Param("margin_call_id"))
		response.Handle(c, call, err)
	}
}
