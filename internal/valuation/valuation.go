// Package valuation marks pledged mutual-fund holdings to the latest NAV.
package valuation

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

// HoldingValue is units × NAV rounded to the currency unit
func HoldingValue(units, nav decimal.Decimal) decimal.Decimal {
	return types.RoundMoney(units.Mul(nav))
}

// RevalueScheme applies a NAV tick to every pledged holding of the scheme.
// Each holding is updated by a single conditional write that refuses to
// replace a newer valuation. The IDs of updated holdings are always
// returned; when some holdings rejected the tick as stale, the error wraps
// types.ErrExternalData.
func (s *Service) RevalueScheme(ctx context.Context, schemeID string, nav decimal.Decimal, asOf time.Time) ([]string, error) {
	logger := log.With().
		Str("scheme_id", schemeID).
		Str("nav", nav.String()).
		Time("as_of", asOf).
		Str("service", "valuation").
		Logger()

	if schemeID == "" {
		return nil, fmt.Errorf("%w: scheme id is required", types.ErrValidation)
	}
	if !nav.IsPositive() {
		return nil, fmt.Errorf("%w: nav must be positive", types.ErrValidation)
	}
	if asOf.IsZero() {
		return nil, fmt.Errorf("%w: as-of timestamp is required", types.ErrValidation)
	}
	asOf = asOf.UTC()

	if err := s.db.UpsertSchemeNAV(ctx, &types.SchemeNAV{
		SchemeID:  schemeID,
		NAV:       nav,
		AsOf:      asOf,
		UpdatedAt: s.now(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record scheme nav")
		return nil, fmt.Errorf("failed to record scheme nav: %w", err)
	}

	holdings, err := s.db.GetPledgedHoldingsForScheme(ctx, schemeID)
	if err != nil {
		return nil, err
	}

	affected := make([]string, 0, len(holdings))
	var stale []string
	for i := range holdings {
		h := &holdings[i]
		h.CurrentNAV = nav
		h.CurrentValue = HoldingValue(h.Units, nav)

		updated, err := s.db.RevalueHolding(ctx, h, asOf)
		if err != nil {
			logger.Error().Err(err).Str("holding_id", h.HoldingID).Msg("failed to revalue holding")
			return affected, fmt.Errorf("failed to revalue holding %s: %w", h.HoldingID, err)
		}
		if !updated {
			stale = append(stale, h.HoldingID)
			continue
		}
		affected = append(affected, h.HoldingID)
	}

	logger.Debug().
		Int("pledged", len(holdings)).
		Int("revalued", len(affected)).
		Int("stale", len(stale)).
		Msg("applied nav tick")

	if len(stale) > 0 {
		logger.Warn().Strs("holding_ids", stale).Msg("rejected stale nav tick for holdings with newer valuations")
		return affected, fmt.Errorf("%w: tick at %s is older than the valuation of %d holding(s)",
			types.ErrExternalData, asOf.Format(time.RFC3339), len(stale))
	}

	return affected, nil
}

// TotalCollateralValue sums the current value of a loan's pledged holdings
func (s *Service) TotalCollateralValue(ctx context.Context, loanID string) (*CollateralSummary, error) {
	holdings, err := s.db.GetHoldings(ctx, loanID, types.PledgeStatusPledged)
	if err != nil {
		return nil, err
	}

	summary := &CollateralSummary{
		LoanID:     loanID,
		TotalValue: decimal.Zero,
		Holdings:   len(holdings),
	}
	for i := range holdings {
		h := &holdings[i]
		summary.TotalValue = summary.TotalValue.Add(h.CurrentValue)
		if h.LastValuationAt != nil && (summary.OldestValuation == nil || h.LastValuationAt.Before(*summary.OldestValuation)) {
			at := *h.LastValuationAt
			summary.OldestValuation = &at
		}
	}
	return summary, nil
}

// SubmitHolding records a PENDING holding valued at the scheme's latest NAV,
// or at the purchase NAV when the scheme has not been priced yet
func (s *Service) SubmitHolding(ctx context.Context, req SubmitHoldingRequest) (*types.CollateralHolding, error) {
	if req.LoanID == "" || req.SchemeID == "" {
		return nil, fmt.Errorf("%w: loan id and scheme id are required", types.ErrValidation)
	}
	if !req.Units.IsPositive() || !req.PurchaseNAV.IsPositive() {
		return nil, fmt.Errorf("%w: units and purchase nav must be positive", types.ErrValidation)
	}

	holdingID := req.HoldingID
	if holdingID == "" {
		holdingID = "HLD_" + uuid.New().String()
	}

	logger := log.With().
		Str("holding_id", holdingID).
		Str("loan_id", req.LoanID).
		Str("service", "valuation").
		Logger()

	holding := &types.CollateralHolding{
		HoldingID:     holdingID,
		LoanID:        req.LoanID,
		SchemeID:      req.SchemeID,
		Units:         req.Units,
		PurchaseNAV:   req.PurchaseNAV,
		CurrentNAV:    req.PurchaseNAV,
		PurchaseValue: HoldingValue(req.Units, req.PurchaseNAV),
		PledgeStatus:  types.PledgeStatusPending,
	}

	latest, err := s.db.GetSchemeNAV(ctx, req.SchemeID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		at := latest.AsOf
		holding.CurrentNAV = latest.NAV
		holding.LastValuationAt = &at
	}
	holding.CurrentValue = HoldingValue(holding.Units, holding.CurrentNAV)

	if err := s.db.CreateHolding(ctx, holding); err != nil {
		logger.Error().Err(err).Msg("failed to create holding")
		return nil, err
	}

	logger.Info().
		Str("scheme_id", holding.SchemeID).
		Str("units", holding.Units.String()).
		Str("current_value", holding.CurrentValue.String()).
		Msg("collateral submitted")

	return holding, nil
}

// PledgeHolding marks a PENDING holding as pledged under a lien
func (s *Service) PledgeHolding(ctx context.Context, holdingID, lienReference string) (*types.CollateralHolding, error) {
	if lienReference == "" {
		lienReference = "LIEN_" + uuid.New().String()
	}

	if err := s.transition(ctx, holdingID, types.PledgeStatusPending, types.PledgeStatusPledged,
		map[string]interface{}{"lien_reference": lienReference}); err != nil {
		return nil, err
	}

	log.Info().
		Str("holding_id", holdingID).
		Str("lien_reference", lienReference).
		Str("service", "valuation").
		Msg("collateral pledged")

	return s.db.GetHolding(ctx, holdingID)
}

// ReleaseHolding returns a pledged holding to the borrower
func (s *Service) ReleaseHolding(ctx context.Context, holdingID string) (*types.CollateralHolding, error) {
	if err := s.transition(ctx, holdingID, types.PledgeStatusPledged, types.PledgeStatusReleased, nil); err != nil {
		return nil, err
	}

	log.Info().
		Str("holding_id", holdingID).
		Str("service", "valuation").
		Msg("collateral released")

	return s.db.GetHolding(ctx, holdingID)
}

func (s *Service) transition(ctx context.Context, holdingID, from, to string, fields map[string]interface{}) error {
	holding, err := s.db.GetHolding(ctx, holdingID)
	if err != nil {
		return err
	}
	if holding.PledgeStatus != from {
		return fmt.Errorf("%w: holding %s is %s, expected %s", types.ErrValidation, holdingID, holding.PledgeStatus, from)
	}

	changed, err := s.db.UpdatePledgeStatus(ctx, holdingID, from, to, fields)
	if err != nil {
		return fmt.Errorf("failed to update pledge status: %w", err)
	}
	if !changed {
		return fmt.Errorf("%w: holding %s changed status concurrently", types.ErrConcurrencyConflict, holdingID)
	}
	return nil
}

func (s *Service) GetHolding(ctx context.Context, holdingID string) (*types.CollateralHolding, error) {
	return s.db.GetHolding(ctx, holdingID)
}

func (s *Service) ListHoldings(ctx context.Context, loanID string) ([]types.CollateralHolding, error) {
	return s.db.GetHoldings(ctx, loanID)
}

func (s *Service) GetSchemeNAV(ctx context.Context, schemeID string) (*types.SchemeNAV, error) {
	nav, err := s.db.GetSchemeNAV(ctx, schemeID)
	if err != nil {
		return nil, err
	}
	if nav == nil {
		return nil, fmt.Errorf("%w: scheme %s has no nav", types.ErrNotFound, schemeID)
	}
	return nav, nil
}

// LoanIDsForHoldings maps revalued holdings to the loans they secure
func (s *Service) LoanIDsForHoldings(ctx context.Context, holdingIDs []string) ([]string, error) {
	return s.db.GetLoanIDsForHoldings(ctx, holdingIDs)
}

// GinHandlers contains HTTP handlers for collateral endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) SubmitHoldingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitHoldingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		holding, err := h.service.SubmitHolding(c.Request.Context(), req)
		response.Handle(c, holding, err)
	}
}

func (h *GinHandlers) PledgeHoldingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			LienReference string `json:"lien_reference"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		holding, err := h.service.PledgeHolding(c.Request.Context(), c.Param("holding_id"), request.LienReference)
		response.Handle(c, holding, err)
	}
}

func (h *GinHandlers) ListHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holdings, err := h.service.ListHoldings(c.Request.Context(), c.Param("loan_id"))
		response.Handle(c, holdings, err)
	}
}

func (h *GinHandlers) GetSchemeNAVHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		nav, err := h.service.GetSchemeNAV(c.Request.Context(), c.Param("scheme_id"))
		response.Handle(c, nav, err)
	}
}
