package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/amortization"
	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/types"
)

var disbursal = time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func charges(t *testing.T) config.Charges {
	t.Helper()
	p, err := config.Default().Product(config.DefaultProductCode)
	require.NoError(t, err)
	return p.Charges
}

func fixture(t *testing.T) (*types.LoanAccount, []types.AmortizationEntry) {
	t.Helper()
	entries, err := amortization.GenerateSchedule(dec("100000"), dec("12"), 12, disbursal)
	require.NoError(t, err)
	loan := &types.LoanAccount{
		LoanID:        "LN_1",
		Principal:     dec("100000"),
		AnnualRate:    dec("12"),
		TenureMonths:  12,
		DisbursalDate: disbursal,
		Status:        types.LoanStatusActive,
	}
	return loan, entries
}

func assertInvariants(t *testing.T, q *SettlementQuote) {
	t.Helper()
	assert.True(t, q.TotalPayable.GreaterThanOrEqual(q.OutstandingPrincipal.Add(q.OutstandingInterest)),
		"total %s below principal+interest", q.TotalPayable)
	assert.False(t, q.Savings.IsNegative())
}

func TestQuote_CurrentLoan(t *testing.T) {
	loan, entries := fixture(t)
	asOf := disbursal.AddDate(0, 0, 10)

	q, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)

	assert.Equal(t, "100000", q.OutstandingPrincipal.String())
	assert.True(t, q.OutstandingInterest.IsZero())
	assert.Equal(t, "328.77", q.BrokenPeriodInterest.String())
	assert.Equal(t, "2000", q.ForeclosureCharge.String())
	assert.True(t, q.PenalInterest.IsZero())
	assert.Equal(t, 0, q.OverdueDays)
	assert.Equal(t, "999", q.ProcessingFee.String())
	assert.Equal(t, "539.82", q.Tax.String())
	assert.Equal(t, "103867.59", q.TotalPayable.String())
	assert.True(t, q.Savings.Equal(q.RemainingScheduled.Sub(q.TotalPayable)))
	assertInvariants(t, q)
}

func TestQuote_OverdueAddsPenalInterest(t *testing.T) {
	loan, entries := fixture(t)
	asOf := time.Date(2025, time.April, 14, 0, 0, 0, 0, time.UTC)

	q, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)

	assert.Equal(t, 58, q.OverdueDays)
	assert.Equal(t, "2900", q.PenalInterest.String())
	assert.True(t, q.OutstandingInterest.Equal(entries[0].InterestComponent.Add(entries[1].InterestComponent)))
	// broken period runs from the March due date
	assert.Equal(t, "986.3", q.BrokenPeriodInterest.String())
	assertInvariants(t, q)
}

func TestQuote_PrepaidInterestReducesBrokenPeriod(t *testing.T) {
	loan, entries := fixture(t)
	asOf := disbursal.AddDate(0, 0, 20)

	before, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	assert.Equal(t, "657.53", before.BrokenPeriodInterest.String())
	assert.Equal(t, "104196.35", before.TotalPayable.String())

	// a partial prepayment of installment 1 covers part of its interest
	entries[0].PaidAmount = dec("300")
	partial, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	assert.Equal(t, "357.53", partial.BrokenPeriodInterest.String())
	assert.Equal(t, "100000", partial.OutstandingPrincipal.String())

	// 1000.00 covers the whole of installment 1's interest
	require.Equal(t, "1000", entries[0].InterestComponent.String())
	entries[0].PaidAmount = dec("1000")
	after, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	assert.True(t, after.BrokenPeriodInterest.IsZero())
	assert.Equal(t, "100000", after.OutstandingPrincipal.String())
	assert.Equal(t, "103538.82", after.TotalPayable.String())
	assert.True(t, after.TotalPayable.LessThan(before.TotalPayable))
	assertInvariants(t, after)
}

func TestQuote_IsRepeatable(t *testing.T) {
	loan, entries := fixture(t)
	asOf := disbursal.AddDate(0, 5, 3)

	a, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	b, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestQuote_NoTaxWhenExempt(t *testing.T) {
	loan, entries := fixture(t)
	c := charges(t)
	c.Taxable = false

	q, err := Quote(loan, entries, disbursal.AddDate(0, 0, 1), c)
	require.NoError(t, err)
	assert.True(t, q.Tax.IsZero())
}

func TestQuote_SavingsNeverNegative(t *testing.T) {
	loan, entries := fixture(t)
	// Near maturity the charges outweigh the remaining EMIs
	asOf := time.Date(2026, time.January, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 11; i++ {
		entries[i].Status = types.EntryStatusPaid
		entries[i].PaidAmount = entries[i].EMIAmount
	}

	q, err := Quote(loan, entries, asOf, charges(t))
	require.NoError(t, err)
	assert.True(t, q.Savings.IsZero())
	assertInvariants(t, q)
}

func TestQuote_RejectsDateBeforeDisbursal(t *testing.T) {
	loan, entries := fixture(t)
	_, err := Quote(loan, entries, disbursal.Add(-time.Hour), charges(t))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestService_QuoteForeclosure(t *testing.T) {
	db, err := database.NewInMemory("settlement_" + uuid.NewString())
	require.NoError(t, err)
	cfg := config.Default()
	led := ledger.NewService(db, cfg)
	svc := NewService(led, cfg)
	ctx := context.Background()

	loan, _, err := led.Disburse(ctx, ledger.OpenLoanRequest{
		ProductCode:   config.DefaultProductCode,
		Principal:     dec("100000"),
		AnnualRate:    dec("12"),
		TenureMonths:  12,
		DisbursalDate: disbursal,
	})
	require.NoError(t, err)

	q, err := svc.QuoteForeclosure(ctx, loan.LoanID, disbursal.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, "103867.59", q.TotalPayable.String())

	// Quoting has no side effects
	stored, err := led.GetLoan(ctx, loan.LoanID)
	require.NoError(t, err)
	assert.Equal(t, loan.Version, stored.Version)

	_, err = svc.QuoteForeclosure(ctx, "LN_missing", time.Time{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}
