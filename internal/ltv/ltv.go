// Package ltv computes loan-to-value ratios and classifies them into risk bands.
package ltv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/internal/valuation"
)

// LTV bands
const (
	BandHealthy  = "HEALTHY"
	BandModerate = "MODERATE"
	BandElevated = "ELEVATED"
	BandHigh     = "HIGH"
)

// ComputeLTV returns outstanding as a percentage of collateral, rounded to
// two places. LTV is undefined without collateral.
func ComputeLTV(outstanding, collateral decimal.Decimal) (decimal.Decimal, error) {
	if !collateral.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: collateral value is %s", types.ErrExternalData, collateral)
	}
	return outstanding.Mul(types.Hundred()).DivRound(collateral, types.CurrencyPlaces), nil
}

// Classify places an LTV into its band. Each band's lower bound is inclusive.
func Classify(ltv decimal.Decimal, bands config.Bands) string {
	switch {
	case ltv.GreaterThanOrEqual(bands.High):
		return BandHigh
	case ltv.GreaterThanOrEqual(bands.Elevated):
		return BandElevated
	case ltv.GreaterThanOrEqual(bands.Moderate):
		return BandModerate
	default:
		return BandHealthy
	}
}

// LoanSource supplies a loan's balances as of a point in time
type LoanSource interface {
	View(ctx context.Context, loanID string, asOf time.Time) (*ledger.LoanView, error)
}

// CollateralSource supplies a loan's pledged collateral value
type CollateralSource interface {
	TotalCollateralValue(ctx context.Context, loanID string) (*valuation.CollateralSummary, error)
}

// Assessment is one LTV evaluation of a loan
type Assessment struct {
	LoanID      string             `json:"loan_id"`
	Loan        *types.LoanAccount `json:"-"`
	Outstanding decimal.Decimal    `json:"outstanding"`
	Collateral  decimal.Decimal    `json:"collateral"`
	LTV         decimal.Decimal    `json:"current_ltv"`
	Band        string             `json:"band,omitempty"`
	Flag        string             `json:"risk_flag,omitempty"`
	AssessedAt  time.Time          `json:"assessed_at"`
}

// Assessable reports whether an LTV could be computed
func (a *Assessment) Assessable() bool {
	return a.Flag != types.RiskFlagUnassessable
}

// Monitor recomputes LTV from the ledger and valuation views
type Monitor struct {
	db         *Database
	loans      LoanSource
	collateral CollateralSource
	bands      config.Bands
	maxNAVAge  time.Duration
	now        func() time.Time
}

// NewMonitor creates a monitor. A zero maxNAVAge disables the staleness check.
func NewMonitor(gormDB *gorm.DB, loans LoanSource, collateral CollateralSource, bands config.Bands, maxNAVAge time.Duration) *Monitor {
	return &Monitor{
		db:         NewDatabase(gormDB),
		loans:      loans,
		collateral: collateral,
		bands:      bands,
		maxNAVAge:  maxNAVAge,
		now:        time.Now,
	}
}

// SetClock replaces the wall clock, used by tests and simulations
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Assess recomputes a loan's LTV and band and stores them on the loan. When
// collateral is missing or stale the loan is flagged UNASSESSABLE and the
// returned error wraps types.ErrExternalData; the assessment is still
// returned so callers can report it.
func (m *Monitor) Assess(ctx context.Context, loanID string) (*Assessment, error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("service", "ltv").
		Logger()

	now := m.now()
	view, err := m.loans.View(ctx, loanID, now)
	if err != nil {
		return nil, err
	}
	if view.Loan.RiskFlag == types.RiskFlagInconsistent {
		return nil, fmt.Errorf("%w: loan %s is flagged inconsistent", types.ErrInconsistentState, loanID)
	}

	summary, err := m.collateral.TotalCollateralValue(ctx, loanID)
	if err != nil {
		return nil, err
	}

	a := &Assessment{
		LoanID:      loanID,
		Loan:        view.Loan,
		Outstanding: view.Balances.Total,
		Collateral:  summary.TotalValue,
		AssessedAt:  now,
	}

	assessErr := m.checkFreshness(summary, now)
	if assessErr == nil {
		a.LTV, assessErr = ComputeLTV(a.Outstanding, a.Collateral)
	}

	if assessErr != nil {
		if !errors.Is(assessErr, types.ErrExternalData) {
			return nil, assessErr
		}
		a.Flag = types.RiskFlagUnassessable
		logger.Warn().Err(assessErr).Msg("loan cannot be assessed")
	} else {
		a.Band = Classify(a.LTV, m.bands)
		a.Flag = types.RiskFlagNone
	}

	if err := m.db.SaveAssessment(ctx, a); err != nil {
		logger.Error().Err(err).Msg("failed to save assessment")
		return nil, fmt.Errorf("failed to save assessment: %w", err)
	}

	if assessErr != nil {
		return a, assessErr
	}

	logger.Debug().
		Str("outstanding", a.Outstanding.String()).
		Str("collateral", a.Collateral.String()).
		Str("ltv", a.LTV.String()).
		Str("band", a.Band).
		Msg("loan assessed")

	return a, nil
}

func (m *Monitor) checkFreshness(summary *valuation.CollateralSummary, now time.Time) error {
	if m.maxNAVAge <= 0 || summary.Holdings == 0 {
		return nil
	}
	if summary.OldestValuation == nil {
		return fmt.Errorf("%w: collateral has never been revalued", types.ErrExternalData)
	}
	if age := now.Sub(*summary.OldestValuation); age > m.maxNAVAge {
		return fmt.Errorf("%w: oldest valuation is %s old", types.ErrExternalData, age.Round(time.Second))
	}
	return nil
}
