package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/events"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/margincall"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/internal/valuation"
)

var disbursal = time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishMarginCall(ctx context.Context, event events.MarginCallEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

type fixture struct {
	engine *Engine
	db     *gorm.DB
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewInMemory("risk_" + uuid.NewString())
	require.NoError(t, err)

	f := &fixture{db: db, now: disbursal.AddDate(0, 0, 1)}
	f.engine = NewEngine(db, config.Default())
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) pledge(t *testing.T, loanID, schemeID, units string) *types.CollateralHolding {
	t.Helper()
	ctx := context.Background()
	h, err := f.engine.Valuation().SubmitHolding(ctx, valuation.SubmitHoldingRequest{
		LoanID:      loanID,
		SchemeID:    schemeID,
		Units:       dec(units),
		PurchaseNAV: dec("100"),
	})
	require.NoError(t, err)
	h, err = f.engine.Valuation().PledgeHolding(ctx, h.HoldingID, "")
	require.NoError(t, err)
	return h
}

func loanRequest(loanID string) ledger.OpenLoanRequest {
	return ledger.OpenLoanRequest{
		LoanID:        loanID,
		ProductCode:   config.DefaultProductCode,
		Principal:     dec("100000"),
		AnnualRate:    dec("12"),
		TenureMonths:  12,
		DisbursalDate: disbursal,
	}
}

// openLoan disburses 100000 against units*100 of collateral in schemeID
func (f *fixture) openLoan(t *testing.T, loanID, schemeID, units string) *DisbursalResult {
	t.Helper()
	f.pledge(t, loanID, schemeID, units)
	res, err := f.engine.Disburse(context.Background(), loanRequest(loanID))
	require.NoError(t, err)
	return res
}

func (f *fixture) tick(t *testing.T, schemeID, nav string) *RevaluationResult {
	t.Helper()
	res, err := f.engine.RevalueScheme(context.Background(), schemeID, dec(nav), f.now)
	require.NoError(t, err)
	return res
}

func TestGenerateSchedule(t *testing.T) {
	f := newFixture(t)
	preview, err := f.engine.GenerateSchedule(ScheduleRequest{
		Principal:    dec("100000"),
		AnnualRate:   dec("12"),
		TenureMonths: 12,
		StartDate:    disbursal,
	})
	require.NoError(t, err)
	assert.Len(t, preview.Entries, 12)
	assert.Equal(t, "8884.88", preview.Summary.EMIAmount.StringFixed(2))

	_, err = f.engine.GenerateSchedule(ScheduleRequest{Principal: dec("100000"), AnnualRate: dec("12"), StartDate: disbursal})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDisburse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Disburse(ctx, loanRequest(""))
	assert.ErrorIs(t, err, types.ErrValidation)

	// no collateral
	_, err = f.engine.Disburse(ctx, loanRequest("LN_bare"))
	assert.ErrorIs(t, err, types.ErrValidation)

	// 100000 against 150000 is above the 50% maximum
	f.pledge(t, "LN_thin", "SCH_A", "1500")
	_, err = f.engine.Disburse(ctx, loanRequest("LN_thin"))
	assert.ErrorIs(t, err, types.ErrValidation)

	res := f.openLoan(t, "LN_1", "SCH_A", "2000")
	assert.Equal(t, types.LoanStatusActive, res.Loan.Status)
	assert.Len(t, res.Schedule, 12)
	assert.True(t, res.Collateral.Equal(dec("200000")))
	require.NotNil(t, res.Risk)
	assert.Equal(t, "50", res.Risk.CurrentLTV.String())
	assert.Nil(t, res.Risk.Transition)

	_, err = f.engine.Disburse(ctx, loanRequest("LN_1"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRevalueScheme_RaisesAndResolvesMarginCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	// 2000 * 80 = 160000, LTV 62.5
	res := f.tick(t, "SCH_A", "80")
	assert.Len(t, res.AffectedHoldings, 1)
	assert.Equal(t, 1, res.Summary.LoansEvaluated)
	assert.Equal(t, 1, res.Summary.MarginCallsCreated)

	open, err := f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "60", open.TriggerLTV.String())
	assert.Equal(t, "62.5", open.CurrentLTV.String())
	assert.Equal(t, "4000", open.ShortfallAmount.String())
	assert.True(t, f.now.Add(72*time.Hour).Equal(open.DueDate), "due %s", open.DueDate)

	loan, err := f.engine.Ledger().GetLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, "62.5", loan.CurrentLTV.String())

	// 2000 * 90 = 180000, LTV 55.56
	f.now = f.now.Add(time.Hour)
	res = f.tick(t, "SCH_A", "90")
	assert.Equal(t, 1, res.Summary.MarginCallsResolved)

	open, err = f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics().MarginCallTransitions.WithLabelValues("CREATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics().MarginCallTransitions.WithLabelValues("RESOLVE")))
}

func TestRevalueScheme_StaleTick(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, "LN_1", "SCH_A", "2000")
	f.tick(t, "SCH_A", "100")

	_, err := f.engine.RevalueScheme(context.Background(), "SCH_A", dec("50"), f.now.Add(-time.Minute))
	assert.ErrorIs(t, err, types.ErrExternalData)

	open, err := f.engine.MarginCalls().GetOpen(context.Background(), "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics().NAVTicks.WithLabelValues("stale")))
}

func TestLiquidationAfterDueDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	f.tick(t, "SCH_A", "80")

	// Above liquidation but inside the SLA only holds
	f.now = f.now.Add(time.Hour)
	res := f.tick(t, "SCH_A", "70")
	assert.Zero(t, res.Summary.Liquidations)

	f.now = f.now.Add(72 * time.Hour)
	summary, err := f.engine.ProcessDueMarginCalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LoansConsidered)
	assert.Equal(t, 1, summary.Liquidations)

	loan, err := f.engine.Ledger().GetLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusLiquidated, loan.Status)

	calls, err := f.engine.MarginCalls().ListForLoan(ctx, "LN_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.MarginCallLiquidated, calls[0].Status)

	// A liquidated loan is out of the sweep
	sweep, err := f.engine.RunRevaluationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.LoansConsidered)
}

func TestApplyPayment_EvaluatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	req := ledger.PaymentRequest{Amount: dec("8884.88"), Mode: "NACH", IdempotencyKey: "pay-1"}
	out, err := f.engine.ApplyPayment(ctx, "LN_1", req)
	require.NoError(t, err)
	assert.False(t, out.Ledger.Duplicate)
	require.NotNil(t, out.Risk)
	// 92115.12 / 200000
	assert.Equal(t, "46.06", out.Risk.CurrentLTV.String())

	again, err := f.engine.ApplyPayment(ctx, "LN_1", req)
	require.NoError(t, err)
	assert.True(t, again.Ledger.Duplicate)
	assert.Nil(t, again.Risk)
	assert.Equal(t, out.Ledger.PaymentID, again.Ledger.PaymentID)

	_, err = f.engine.ApplyPayment(ctx, "LN_1", ledger.PaymentRequest{Amount: dec("10")})
	assert.ErrorIs(t, err, types.ErrValidation)

	m := f.engine.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Payments.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Payments.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Payments.WithLabelValues("rejected")))
}

func TestApplyPayment_PayoffResolvesOpenCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.openLoan(t, "LN_1", "SCH_A", "2000")
	f.tick(t, "SCH_A", "80")

	total := decimal.Zero
	for _, e := range res.Schedule {
		total = total.Add(e.EMIAmount)
	}

	out, err := f.engine.ApplyPayment(ctx, "LN_1", ledger.PaymentRequest{Amount: total, IdempotencyKey: "payoff"})
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusClosed, out.Ledger.LoanStatus)

	open, err := f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)

	calls, err := f.engine.MarginCalls().ListForLoan(ctx, "LN_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.MarginCallResolved, calls[0].Status)
}

func TestApplyPayment_PartialPaymentResolvesOpenCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.openLoan(t, "LN_1", "SCH_A", "2000")

	// 100000 / 160000
	f.tick(t, "SCH_A", "80")
	open, err := f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "62.5", open.CurrentLTV.String())

	// interest of installment 1 first, then 5000 towards principal
	first := res.Schedule[0]
	require.Equal(t, "1000", first.InterestComponent.String())
	amount := first.InterestComponent.Add(dec("5000"))

	f.now = f.now.Add(time.Hour)
	require.True(t, f.now.Before(first.DueDate))
	out, err := f.engine.ApplyPayment(ctx, "LN_1", ledger.PaymentRequest{Amount: amount, Mode: "UPI", IdempotencyKey: "part-1"})
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusActive, out.Ledger.LoanStatus)
	assert.Empty(t, out.Ledger.InstallmentsPaid)
	assert.Equal(t, "95000", out.Ledger.OutstandingPrincipal.String())

	// 95000 / 160000
	require.NotNil(t, out.Risk)
	assert.Equal(t, "59.38", out.Risk.CurrentLTV.String())
	require.NotNil(t, out.Risk.Transition)
	assert.Equal(t, margincall.KindResolve, out.Risk.Transition.Kind)
	assert.True(t, out.Risk.Transition.Applied)

	open, err = f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)

	calls, err := f.engine.MarginCalls().ListForLoan(ctx, "LN_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.MarginCallResolved, calls[0].Status)

	entries, err := f.engine.Ledger().ListEntries(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, types.EntryStatusPending, entries[0].Status)
	assert.True(t, entries[0].RemainingInterest().IsZero())
}

func TestEvaluateLoanRisk_SkipsInconsistentLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	require.NoError(t, f.db.Model(&types.LoanAccount{}).
		Where("loan_id = ?", "LN_1").
		Update("risk_flag", types.RiskFlagInconsistent).Error)

	// A breach must not raise a call on a loan whose ledger is suspect
	_, err := f.engine.Valuation().RevalueScheme(ctx, "SCH_A", dec("50"), f.now)
	require.NoError(t, err)

	_, err = f.engine.EvaluateLoanRisk(ctx, "LN_1")
	assert.ErrorIs(t, err, types.ErrInconsistentState)

	open, err := f.engine.MarginCalls().GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)

	_, err = f.engine.EvaluateLoanRisk(ctx, "LN_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRunRevaluationSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_healthy", "SCH_A", "3000")
	f.openLoan(t, "LN_breached", "SCH_B", "2000")
	f.openLoan(t, "LN_suspect", "SCH_C", "2000")

	_, err := f.engine.Valuation().RevalueScheme(ctx, "SCH_B", dec("80"), f.now)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&types.LoanAccount{}).
		Where("loan_id = ?", "LN_suspect").
		Update("risk_flag", types.RiskFlagInconsistent).Error)

	summary, err := f.engine.RunRevaluationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.LoansConsidered)
	assert.Equal(t, 2, summary.LoansEvaluated)
	assert.Equal(t, 1, summary.MarginCallsCreated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.False(t, summary.Partial)

	// Rerunning changes nothing
	summary, err = f.engine.RunRevaluationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.LoansEvaluated)
	assert.Zero(t, summary.MarginCallsCreated)

	pending, err := f.engine.MarginCalls().ListByStatus(ctx, types.MarginCallPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEvaluateMany_StopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, "LN_1", "SCH_A", "2000")
	f.openLoan(t, "LN_2", "SCH_A", "2000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := f.engine.evaluateMany(ctx, SweepRevaluation, []string{"LN_1", "LN_2"})
	assert.True(t, summary.Partial)
	assert.Equal(t, 2, summary.LoansConsidered)
	assert.Zero(t, summary.LoansEvaluated)
}

func TestEvaluateLoanRisk_ConcurrentBreachRaisesOneCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	_, err := f.engine.Valuation().RevalueScheme(ctx, "SCH_A", dec("75"), f.now)
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	created := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eval, err := f.engine.EvaluateLoanRisk(ctx, "LN_1")
			if !assert.NoError(t, err) {
				return
			}
			if tr := eval.Transition; tr != nil && tr.Kind == margincall.KindCreate && tr.Applied {
				created <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(created)

	assert.Len(t, created, 1)
	pending, err := f.engine.MarginCalls().ListByStatus(ctx, types.MarginCallPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReleaseHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	big := f.pledge(t, "LN_1", "SCH_A", "2000")
	small := f.pledge(t, "LN_1", "SCH_B", "500")
	_, err := f.engine.Disburse(ctx, loanRequest("LN_1"))
	require.NoError(t, err)

	// 100000 against 50000 would be 200%
	_, err = f.engine.ReleaseHolding(ctx, big.HoldingID)
	assert.ErrorIs(t, err, types.ErrValidation)

	// 100000 against 200000 is exactly the maximum
	released, err := f.engine.ReleaseHolding(ctx, small.HoldingID)
	require.NoError(t, err)
	assert.Equal(t, types.PledgeStatusReleased, released.PledgeStatus)

	loan, err := f.engine.Ledger().GetLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, "50", loan.CurrentLTV.String())

	_, err = f.engine.ReleaseHolding(ctx, "HLD_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReleaseHolding_UndisbursedLoan(t *testing.T) {
	f := newFixture(t)
	h := f.pledge(t, "LN_never", "SCH_A", "100")

	released, err := f.engine.ReleaseHolding(context.Background(), h.HoldingID)
	require.NoError(t, err)
	assert.Equal(t, types.PledgeStatusReleased, released.PledgeStatus)
}

func TestRunOverdueSweep(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	f.now = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.RunOverdueSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LoansUpdated)
	assert.Equal(t, int64(1), summary.EntriesMarked)
	assert.Zero(t, summary.NewNPAs)
}

func TestQuoteForeclosure(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	q, err := f.engine.QuoteForeclosure(context.Background(), "LN_1", disbursal.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, "103867.59", q.TotalPayable.String())
}

func TestTransitionsArePublished(t *testing.T) {
	f := newFixture(t)
	pub := new(mockPublisher)
	f.engine.SetPublisher(pub)
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	pub.On("PublishMarginCall", mock.Anything, mock.MatchedBy(func(ev events.MarginCallEvent) bool {
		return ev.Kind == margincall.KindCreate && ev.LoanID == "LN_1"
	})).Return(nil).Once()
	f.tick(t, "SCH_A", "80")

	// Holding an open call is not an event
	f.now = f.now.Add(time.Hour)
	f.tick(t, "SCH_A", "79")

	pub.On("PublishMarginCall", mock.Anything, mock.MatchedBy(func(ev events.MarginCallEvent) bool {
		return ev.Kind == margincall.KindResolve && ev.Status == types.MarginCallResolved
	})).Return(assert.AnError).Once()
	f.now = f.now.Add(time.Hour)
	res := f.tick(t, "SCH_A", "95")

	// a publish failure does not undo the transition
	assert.Equal(t, 1, res.Summary.MarginCallsResolved)
	pub.AssertExpectations(t)
}
