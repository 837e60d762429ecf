// Package settlement computes foreclosure quotes.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/pkg/response"
)

var daysInYear = decimal.NewFromInt(365)

// Quote prices the early closure of a loan as of asOf. It reads only its
// arguments; calling it repeatedly with the same inputs gives the same quote.
func Quote(loan *types.LoanAccount, entries []types.AmortizationEntry, asOf time.Time, charges config.Charges) (*SettlementQuote, error) {
	if loan == nil {
		return nil, fmt.Errorf("%w: loan is required", types.ErrValidation)
	}
	if asOf.Before(loan.DisbursalDate) {
		return nil, fmt.Errorf("%w: as-of date precedes disbursal", types.ErrValidation)
	}

	balances := ledger.Recompute(entries, asOf)
	principal := balances.Principal

	q := &SettlementQuote{
		LoanID:               loan.LoanID,
		AsOf:                 asOf,
		OutstandingPrincipal: principal,
		OutstandingInterest:  balances.Interest,
		ProcessingFee:        types.RoundMoney(charges.ProcessingFee),
		RemainingScheduled:   decimal.Zero,
	}

	// Interest accrues daily on principal from the last due date reached
	// (or disbursal) up to asOf
	since := loan.DisbursalDate
	for i := range entries {
		if !entries[i].DueDate.After(asOf) && entries[i].DueDate.After(since) {
			since = entries[i].DueDate
		}
	}
	accrued := types.RoundMoney(
		principal.Mul(types.Percent(loan.AnnualRate, decimal.NewFromInt(int64(wholeDays(since, asOf))))).Div(daysInYear),
	)
	q.BrokenPeriodInterest = decimal.Max(decimal.Zero, accrued.Sub(prepaidInterest(entries, asOf)))
	q.AccruedInterest = q.OutstandingInterest.Add(q.BrokenPeriodInterest)

	q.ForeclosureCharge = types.RoundMoney(types.Percent(principal, charges.ForeclosureChargePercent))

	if oldest, ok := oldestUnpaidDue(entries, asOf); ok {
		q.OverdueDays = wholeDays(oldest, asOf)
		q.PenalInterest = types.RoundMoney(
			principal.Mul(charges.DailyPenalRate).
				Mul(decimal.NewFromInt(int64(q.OverdueDays))).
				Mul(charges.PenalMultiplier),
		)
	} else {
		q.PenalInterest = decimal.Zero
	}

	q.Tax = decimal.Zero
	if charges.Taxable {
		q.Tax = types.RoundMoney(types.Percent(q.ForeclosureCharge.Add(q.ProcessingFee), charges.TaxRatePercent))
	}

	q.TotalPayable = principal.
		Add(q.AccruedInterest).
		Add(q.ForeclosureCharge).
		Add(q.PenalInterest).
		Add(q.ProcessingFee).
		Add(q.Tax)

	for i := range entries {
		q.RemainingScheduled = q.RemainingScheduled.Add(entries[i].RemainingDue())
	}
	q.Savings = decimal.Max(decimal.Zero, q.RemainingScheduled.Sub(q.TotalPayable))

	return q, nil
}

// prepaidInterest is the interest already paid towards the installment whose
// period is accruing at asOf. Payments cover interest first.
func prepaidInterest(entries []types.AmortizationEntry, asOf time.Time) decimal.Decimal {
	for i := range entries {
		e := &entries[i]
		if e.DueDate.After(asOf) {
			return e.InterestComponent.Sub(e.RemainingInterest())
		}
	}
	return decimal.Zero
}

// oldestUnpaidDue finds the earliest unsettled installment that had fallen
// due before asOf, whether or not an overdue sweep has marked it yet
func oldestUnpaidDue(entries []types.AmortizationEntry, asOf time.Time) (time.Time, bool) {
	for i := range entries {
		e := &entries[i]
		if e.Settled() || !e.RemainingDue().IsPositive() {
			continue
		}
		if e.Status == types.EntryStatusOverdue || e.DueDate.Before(asOf) {
			return e.DueDate, true
		}
	}
	return time.Time{}, false
}

func wholeDays(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// LoanSource supplies a loan and its schedule
type LoanSource interface {
	View(ctx context.Context, loanID string, asOf time.Time) (*ledger.LoanView, error)
}

// ProductLookup resolves a product's charges
type ProductLookup interface {
	Product(code string) (config.Product, error)
}

type Service struct {
	loans    LoanSource
	products ProductLookup
	now      func() time.Time
}

func NewService(loans LoanSource, products ProductLookup) *Service {
	return &Service{
		loans:    loans,
		products: products,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, used by tests and simulations
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// QuoteForeclosure loads the ledger view and prices closure as of asOf. A
// zero asOf means now.
func (s *Service) QuoteForeclosure(ctx context.Context, loanID string, asOf time.Time) (*SettlementQuote, error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("service", "settlement").
		Logger()

	if asOf.IsZero() {
		asOf = s.now()
	}

	view, err := s.loans.View(ctx, loanID, asOf)
	if err != nil {
		return nil, err
	}
	switch view.Loan.Status {
	case types.LoanStatusActive, types.LoanStatusNPA:
	default:
		return nil, fmt.Errorf("%w: loan %s is %s", types.ErrValidation, loanID, view.Loan.Status)
	}

	product, err := s.products.Product(view.Loan.ProductCode)
	if err != nil {
		return nil, err
	}

	quote, err := Quote(view.Loan, view.Entries, asOf, product.Charges)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Time("as_of", asOf).
		Str("total_payable", quote.TotalPayable.String()).
		Str("savings", quote.Savings.String()).
		Int("overdue_days", quote.OverdueDays).
		Msg("foreclosure quote computed")

	return quote, nil
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// QuoteHandler prices a foreclosure; ?as_of=YYYY-MM-DD quotes a future or past date
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var asOf time.Time
		if raw := c.Query("as_of"); raw != "" {
			parsed, err := parseAsOf(raw)
			if err != nil {
				response.ValidationFailed(c, err.Error())
				return
			}
			asOf = parsed
		}

		quote, err := h.service.QuoteForeclosure(c.Request.Context(), c.Param("loan_id"), asOf)
		response.Handle(c, quote, err)
	}
}

func parseAsOf(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("as_of must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}
