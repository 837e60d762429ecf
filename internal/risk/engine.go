// Package risk orchestrates the ledger, valuation, LTV and margin call
// components into the operations the service exposes.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/amortization"
	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/events"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/lock"
	"github.com/ksred/klear-lending/internal/ltv"
	"github.com/ksred/klear-lending/internal/margincall"
	"github.com/ksred/klear-lending/internal/metrics"
	"github.com/ksred/klear-lending/internal/settlement"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/internal/valuation"
)

type Engine struct {
	cfg        *config.Config
	ledger     *ledger.Service
	valuation  *valuation.Service
	monitor    *ltv.Monitor
	calls      *margincall.Service
	settlement *settlement.Service

	locker    lock.Locker
	publisher events.Publisher
	metrics   *metrics.Registry

	workers      int
	sweepTimeout time.Duration
	now          func() time.Time
}

// NewEngine builds every component on one database. The engine starts with
// an in-process locker, no event publisher and its own metrics registry.
func NewEngine(gormDB *gorm.DB, cfg *config.Config) *Engine {
	led := ledger.NewService(gormDB, cfg)
	val := valuation.NewService(gormDB)

	return &Engine{
		cfg:          cfg,
		ledger:       led,
		valuation:    val,
		monitor:      ltv.NewMonitor(gormDB, led, val, cfg.Bands(), cfg.Valuation.MaxNAVAge),
		calls:        margincall.NewService(gormDB),
		settlement:   settlement.NewService(led, cfg),
		locker:       lock.NewKeyedMutex(),
		publisher:    events.NopPublisher{},
		metrics:      metrics.New(),
		workers:      cfg.Sweep.Workers,
		sweepTimeout: cfg.Sweep.Timeout,
		now:          time.Now,
	}
}

func (e *Engine) SetLocker(l lock.Locker) { e.locker = l }
func (e *Engine) SetPublisher(p events.Publisher) { e.publisher = p }
func (e *Engine) SetMetrics(m *metrics.Registry) { e.metrics = m }
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }
func (e *Engine) Ledger() *ledger.Service { return e.ledger }
func (e *Engine) Valuation() *valuation.Service { return e.valuation }
func (e *Engine) MarginCalls() *margincall.Service { return e.calls }
func (e *Engine) Settlement() *settlement.Service { return e.settlement }

// SetClock replaces the wall clock of the engine and every component
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.ledger.SetClock(now)
	e.valuation.SetClock(now)
	e.monitor.SetClock(now)
	e.calls.SetClock(now)
	e.settlement.SetClock(now)
}

// GenerateSchedule previews the schedule a loan would get
func (e *Engine) GenerateSchedule(req ScheduleRequest) (*SchedulePreview, error) {
	entries, err := amortization.GenerateSchedule(req.Principal, req.AnnualRate, req.TenureMonths, req.StartDate)
	if err != nil {
		return nil, err
	}
	return &SchedulePreview{
		Summary: amortization.Summarize(entries),
		Entries: entries,
	}, nil
}

// Disburse opens a loan against collateral already pledged under its id.
// The principal may not exceed the product's maximum LTV of that collateral.
func (e *Engine) Disburse(ctx context.Context, req ledger.OpenLoanRequest) (*DisbursalResult, error) {
	if req.LoanID == "" {
		return nil, fmt.Errorf("%w: loan id is required to match pledged collateral", types.ErrValidation)
	}

	logger := log.With().
		Str("loan_id", req.LoanID).
		Str("service", "risk").
		Logger()

	unlock, err := e.lock(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.ledger.GetLoan(ctx, req.LoanID); err == nil {
		return nil, fmt.Errorf("%w: loan %s already exists", types.ErrValidation, req.LoanID)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	product, err := e.cfg.Product(req.ProductCode)
	if err != nil {
		return nil, err
	}

	summary, err := e.valuation.TotalCollateralValue(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	if !summary.TotalValue.IsPositive() {
		return nil, fmt.Errorf("%w: loan %s has no pledged collateral", types.ErrValidation, req.LoanID)
	}
	initialLTV, err := ltv.ComputeLTV(req.Principal, summary.TotalValue)
	if err != nil {
		return nil, err
	}
	if initialLTV.GreaterThan(product.MaxLTVPercent) {
		return nil, fmt.Errorf("%w: principal is %s%% of collateral, product allows %s%%",
			types.ErrValidation, initialLTV, product.MaxLTVPercent)
	}

	loan, schedule, err := e.ledger.Disburse(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &DisbursalResult{
		Loan:       loan,
		Schedule:   schedule,
		Collateral: summary.TotalValue,
	}

	eval, err := e.evaluateLocked(ctx, loan.LoanID)
	e.metrics.ObserveEvaluation(outcome(err))
	if err != nil {
		logger.Warn().Err(err).Msg("loan disbursed but initial evaluation failed")
		return result, nil
	}
	result.Risk = eval
	return result, nil
}

// ApplyPayment records a payment and re-evaluates the loan. A failed
// evaluation does not undo the payment; it is reported in the outcome.
func (e *Engine) ApplyPayment(ctx context.Context, loanID string, req ledger.PaymentRequest) (*PaymentOutcome, error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("idempotency_key", req.IdempotencyKey).
		Str("service", "risk").
		Logger()

	unlock, err := e.lock(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := e.ledger.ApplyPayment(ctx, loanID, req)
	if err != nil {
		if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrNotFound) {
			e.metrics.ObservePayment("rejected")
		} else {
			e.metrics.ObservePayment("failed")
		}
		return nil, err
	}

	out := &PaymentOutcome{Ledger: res}
	if res.Duplicate {
		e.metrics.ObservePayment("duplicate")
		return out, nil
	}
	e.metrics.ObservePayment("applied")

	if res.LoanStatus == types.LoanStatusClosed {
		tr, err := e.calls.Resolve(ctx, loanID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve margin call of closed loan")
		} else {
			e.emit(ctx, tr)
		}
	}

	eval, err := e.evaluateLocked(ctx, loanID)
	e.metrics.ObserveEvaluation(outcome(err))
	if err != nil {
		logger.Warn().Err(err).Msg("payment applied but evaluation failed")
		out.RiskError = err.Error()
		return out, nil
	}
	out.Risk = eval
	return out, nil
}

// RevalueScheme applies a NAV tick and re-evaluates every loan whose
// collateral moved. A tick that is stale for every holding is an error; a
// tick that is stale for some is reported as a warning.
func (e *Engine) RevalueScheme(ctx context.Context, schemeID string, nav decimal.Decimal, asOf time.Time) (*RevaluationResult, error) {
	affected, err := e.valuation.RevalueScheme(ctx, schemeID, nav, asOf)
	if err != nil && len(affected) == 0 {
		switch {
		case errors.Is(err, types.ErrExternalData):
			e.metrics.ObserveNAVTick("stale")
		case errors.Is(err, types.ErrValidation):
			e.metrics.ObserveNAVTick("rejected")
		default:
			e.metrics.ObserveNAVTick("failed")
		}
		return nil, err
	}
	e.metrics.ObserveNAVTick("applied")

	result := &RevaluationResult{
		SchemeID:         schemeID,
		NAV:              nav.String(),
		AsOf:             asOf,
		AffectedHoldings: affected,
	}
	if err != nil {
		result.Warning = err.Error()
	}

	loanIDs, err := e.valuation.LoanIDsForHoldings(ctx, affected)
	if err != nil {
		return nil, err
	}
	result.Summary = e.evaluateMany(ctx, "nav_tick", loanIDs)
	return result, nil
}

// EvaluateLoanRisk recomputes LTV and drives the margin call state machine
// for one loan. Loans flagged INCONSISTENT are refused.
func (e *Engine) EvaluateLoanRisk(ctx context.Context, loanID string) (*RiskEvaluation, error) {
	unlock, err := e.lock(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	eval, err := e.evaluateLocked(ctx, loanID)
	e.metrics.ObserveEvaluation(outcome(err))
	return eval, err
}

func (e *Engine) evaluateLocked(ctx context.Context, loanID string) (*RiskEvaluation, error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("service", "risk").
		Logger()

	a, err := e.monitor.Assess(ctx, loanID)
	if err != nil {
		return nil, err
	}

	product, err := e.cfg.Product(a.Loan.ProductCode)
	if err != nil {
		return nil, err
	}

	open, err := e.calls.GetOpen(ctx, loanID)
	if err != nil {
		return nil, err
	}

	d := margincall.Decide(open, margincall.Input{
		LoanID:           loanID,
		LoanStatus:       a.Loan.Status,
		LTV:              a.LTV,
		TotalOutstanding: a.Outstanding,
		CollateralValue:  a.Collateral,
		Product:          product,
		Now:              e.now(),
	})

	tr, err := e.calls.Apply(ctx, open, d)
	if err != nil {
		return nil, err
	}

	eval := &RiskEvaluation{
		LoanID:      loanID,
		LoanStatus:  a.Loan.Status,
		Outstanding: a.Outstanding,
		Collateral:  a.Collateral,
		CurrentLTV:  a.LTV,
		Band:        a.Band,
		EvaluatedAt: a.AssessedAt,
	}
	if tr.Kind != margincall.KindNone {
		eval.Transition = tr
	}

	if tr.Applied && tr.Kind == margincall.KindLiquidate {
		changed, err := e.ledger.MarkLiquidated(ctx, loanID)
		if err != nil {
			logger.Error().Err(err).Msg("margin call liquidated but loan status not updated")
			return nil, err
		}
		if changed {
			eval.LoanStatus = types.LoanStatusLiquidated
		}
	}

	e.emit(ctx, tr)

	logger.Debug().
		Str("ltv", eval.CurrentLTV.String()).
		Str("band", eval.Band).
		Str("decision", string(tr.Kind)).
		Bool("applied", tr.Applied).
		Msg("loan evaluated")

	return eval, nil
}

// emit counts and publishes an applied transition. Delivery failures are
// logged only; the state change has already been committed.
func (e *Engine) emit(ctx context.Context, tr *margincall.Transition) {
	if tr == nil || !tr.Applied {
		return
	}
	e.metrics.ObserveTransition(string(tr.Kind))

	event, ok := events.FromTransition(tr, e.now())
	if !ok {
		return
	}
	if err := e.publisher.PublishMarginCall(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("loan_id", event.LoanID).
			Str("margin_call_id", event.MarginCallID).
			Msg("failed to publish margin call event")
	}
}

// RunRevaluationSweep evaluates every ACTIVE and NPA loan. When the sweep
// times out or is cancelled, the summary of the work done so far is
// returned with Partial set.
func (e *Engine) RunRevaluationSweep(ctx context.Context) (*SweepSummary, error) {
	if e.sweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.sweepTimeout)
		defer cancel()
	}

	loanIDs, err := e.ledger.ListEvaluableLoanIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for sweep: %w", err)
	}

	summary := e.evaluateMany(ctx, SweepRevaluation, loanIDs)
	return &summary, nil
}

// ProcessDueMarginCalls re-evaluates every loan whose PENDING call is past
// its due date, which is where liquidations happen
func (e *Engine) ProcessDueMarginCalls(ctx context.Context) (*SweepSummary, error) {
	pending, err := e.calls.ListByStatus(ctx, types.MarginCallPending)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var loanIDs []string
	for i := range pending {
		if now.After(pending[i].DueDate) {
			loanIDs = append(loanIDs, pending[i].LoanID)
		}
	}

	summary := e.evaluateMany(ctx, SweepDueCalls, loanIDs)
	return &summary, nil
}

// evaluateMany runs EvaluateLoanRisk over loanIDs with at most e.workers in
// flight. Scheduling stops as soon as ctx ends.
func (e *Engine) evaluateMany(ctx context.Context, name string, loanIDs []string) SweepSummary {
	logger := log.With().
		Str("sweep", name).
		Str("service", "risk").
		Logger()

	summary := SweepSummary{
		Sweep:           name,
		LoansConsidered: len(loanIDs),
		StartedAt:       e.now(),
	}
	started := time.Now()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, loanID := range loanIDs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			eval, err := e.EvaluateLoanRisk(ctx, loanID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.LoansEvaluated++
				if tr := eval.Transition; tr != nil && tr.Applied {
					switch tr.Kind {
					case margincall.KindCreate:
						summary.MarginCallsCreated++
					case margincall.KindResolve:
						summary.MarginCallsResolved++
					case margincall.KindLiquidate:
						summary.Liquidations++
					}
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			case outcome(err) == "skipped":
				summary.Skipped++
			default:
				summary.Failed++
				logger.Error().Err(err).Str("loan_id", loanID).Msg("failed to evaluate loan")
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = e.now()
	summary.Partial = ctx.Err() != nil &&
		summary.LoansEvaluated+summary.Skipped+summary.Failed < summary.LoansConsidered

	if len(loanIDs) > 0 {
		e.metrics.ObserveSweep(name, started, summary.results())
	}

	event := logger.Info()
	if summary.Partial {
		event = logger.Warn()
	}
	event.
		Int("considered", summary.LoansConsidered).
		Int("evaluated", summary.LoansEvaluated).
		Int("created", summary.MarginCallsCreated).
		Int("resolved", summary.MarginCallsResolved).
		Int("liquidations", summary.Liquidations).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Bool("partial", summary.Partial).
		Msg("evaluation pass finished")

	return summary
}

// RunOverdueSweep marks missed installments and classifies NPAs as of now
func (e *Engine) RunOverdueSweep(ctx context.Context) (*ledger.OverdueSummary, error) {
	started := time.Now()
	summary, err := e.ledger.SweepOverdue(ctx, e.now())
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveSweep(SweepOverdue, started, map[string]int{
		"updated": summary.LoansUpdated,
		"npa":     summary.NewNPAs,
		"failed":  summary.Failed,
	})
	return summary, nil
}

// QuoteForeclosure prices closing the loan at asOf; zero means now
func (e *Engine) QuoteForeclosure(ctx context.Context, loanID string, asOf time.Time) (*settlement.SettlementQuote, error) {
	return e.settlement.QuoteForeclosure(ctx, loanID, asOf)
}

// ReleaseHolding returns a pledged holding to the borrower. While the loan
// is open the release is refused if the remaining collateral would put LTV
// above the product's maximum.
func (e *Engine) ReleaseHolding(ctx context.Context, holdingID string) (*types.CollateralHolding, error) {
	holding, err := e.valuation.GetHolding(ctx, holdingID)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("loan_id", holding.LoanID).
		Str("holding_id", holdingID).
		Str("service", "risk").
		Logger()

	unlock, err := e.lock(ctx, holding.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	view, err := e.ledger.View(ctx, holding.LoanID, e.now())
	switch {
	case errors.Is(err, types.ErrNotFound):
		// collateral offered for a loan that was never disbursed
		return e.valuation.ReleaseHolding(ctx, holdingID)
	case err != nil:
		return nil, err
	}

	open := view.Loan.Status == types.LoanStatusActive || view.Loan.Status == types.LoanStatusNPA
	if open && holding.PledgeStatus == types.PledgeStatusPledged && view.Balances.Total.IsPositive() {
		if err := e.checkRelease(ctx, view, holding); err != nil {
			logger.Info().Err(err).Msg("release refused")
			return nil, err
		}
	}

	released, err := e.valuation.ReleaseHolding(ctx, holdingID)
	if err != nil {
		return nil, err
	}

	if open {
		_, err := e.evaluateLocked(ctx, holding.LoanID)
		e.metrics.ObserveEvaluation(outcome(err))
		if err != nil {
			logger.Warn().Err(err).Msg("holding released but evaluation failed")
		}
	}
	return released, nil
}

func (e *Engine) checkRelease(ctx context.Context, view *ledger.LoanView, holding *types.CollateralHolding) error {
	product, err := e.cfg.Product(view.Loan.ProductCode)
	if err != nil {
		return err
	}
	summary, err := e.valuation.TotalCollateralValue(ctx, holding.LoanID)
	if err != nil {
		return err
	}

	remaining := summary.TotalValue.Sub(holding.CurrentValue)
	if !remaining.IsPositive() {
		return fmt.Errorf("%w: releasing %s would leave loan %s unsecured", types.ErrValidation, holding.HoldingID, holding.LoanID)
	}
	after, err := ltv.ComputeLTV(view.Balances.Total, remaining)
	if err != nil {
		return err
	}
	if after.GreaterThan(product.MaxLTVPercent) {
		return fmt.Errorf("%w: releasing %s would raise LTV to %s%%, product allows %s%%",
			types.ErrValidation, holding.HoldingID, after, product.MaxLTVPercent)
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, loanID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock loan %s: %w", loanID, err)
	}
	return unlock, nil
}

// outcome labels an evaluation error for metrics and sweep summaries
func outcome(err error) string {
	switch {
	case err == nil:
		return "evaluated"
	case errors.Is(err, types.ErrInconsistentState), errors.Is(err, types.ErrExternalData):
		return "skipped"
	default:
		return "failed"
	}
}
