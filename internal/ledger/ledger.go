package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/amortization"
	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/pkg/response"
)

// ProductLookup resolves a product code to its risk configuration
type ProductLookup interface {
	Product(code string) (config.Product, error)
}

// Service tracks loan balances and installment status
type Service struct {
	db       *Database
	products ProductLookup
	now      func() time.Time
}

func NewService(gormDB *gorm.DB, products ProductLookup) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		products: products,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, used by tests and simulations
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

var errDuplicatePayment = errors.New("payment already recorded")

// Disburse opens a loan and stores its full schedule in one transaction
func (s *Service) Disburse(ctx context.Context, req OpenLoanRequest) (*types.LoanAccount, []types.AmortizationEntry, error) {
	if _, err := s.products.Product(req.ProductCode); err != nil {
		return nil, nil, err
	}

	// SQLite compares stored times as text, so every stored time is UTC
	req.DisbursalDate = req.DisbursalDate.UTC()
	req.Principal = types.RoundMoney(req.Principal)

	schedule, err := amortization.GenerateSchedule(req.Principal, req.AnnualRate, req.TenureMonths, req.DisbursalDate)
	if err != nil {
		return nil, nil, err
	}

	loanID := req.LoanID
	if loanID == "" {
		loanID = "LN_" + uuid.New().String()
	}

	logger := log.With().
		Str("loan_id", loanID).
		Str("service", "ledger").
		Logger()

	for i := range schedule {
		schedule[i].LoanID = loanID
	}

	loan := &types.LoanAccount{
		LoanID:        loanID,
		ProductCode:   req.ProductCode,
		Principal:     req.Principal,
		AnnualRate:    req.AnnualRate,
		TenureMonths:  req.TenureMonths,
		DisbursalDate: req.DisbursalDate,
		EMIAmount:     schedule[0].EMIAmount,
		CurrentLTV:    decimal.Zero,
		Status:        types.LoanStatusActive,
		Version:       1,
	}
	balances := Recompute(schedule, req.DisbursalDate)
	loan.OutstandingPrincipal = balances.Principal
	loan.OutstandingInterest = balances.Interest
	loan.TotalOutstanding = balances.Total

	if err := s.db.CreateLoan(ctx, loan, schedule); err != nil {
		logger.Error().Err(err).Msg("failed to persist loan")
		return nil, nil, err
	}

	logger.Info().
		Str("principal", loan.Principal.String()).
		Str("emi", loan.EMIAmount.String()).
		Int("tenure_months", loan.TenureMonths).
		Msg("loan disbursed")

	return loan, schedule, nil
}

// Allocate spreads amount over the unsettled entries in installment order.
// Within an entry the payment covers interest before principal, which is
// implied by how the entry derives its remaining components from PaidAmount.
// Entries are modified in place; whatever is left after the final entry is
// returned as Unapplied.
func Allocate(entries []types.AmortizationEntry, amount decimal.Decimal, paidAt time.Time) Allocation {
	alloc := Allocation{Applied: decimal.Zero, Unapplied: decimal.Zero}
	remaining := amount

	for i := range entries {
		e := &entries[i]
		if e.Settled() {
			continue
		}

		due := e.RemainingDue()
		if due.IsZero() {
			markPaid(e, paidAt)
			alloc.Touched = append(alloc.Touched, i)
			alloc.InstallmentsPaid = append(alloc.InstallmentsPaid, e.InstallmentNumber)
			continue
		}
		if !remaining.IsPositive() {
			break
		}

		applied := decimal.Min(remaining, due)
		e.PaidAmount = e.PaidAmount.Add(applied)
		remaining = remaining.Sub(applied)
		alloc.Applied = alloc.Applied.Add(applied)
		alloc.Touched = append(alloc.Touched, i)

		if e.PaidAmount.GreaterThanOrEqual(e.EMIAmount) {
			markPaid(e, paidAt)
			alloc.InstallmentsPaid = append(alloc.InstallmentsPaid, e.InstallmentNumber)
		}
	}

	alloc.Unapplied = remaining
	return alloc
}

func markPaid(e *types.AmortizationEntry, paidAt time.Time) {
	at := paidAt
	e.Status = types.EntryStatusPaid
	e.PaidAt = &at
}

// Recompute derives outstanding balances from the entries alone. Principal
// counts every unsettled entry; interest counts only entries that are overdue
// or due on or before asOf.
func Recompute(entries []types.AmortizationEntry, asOf time.Time) Balances {
	b := Balances{Principal: decimal.Zero, Interest: decimal.Zero}
	for i := range entries {
		e := &entries[i]
		if e.Settled() {
			continue
		}
		b.Principal = b.Principal.Add(e.RemainingPrincipal())
		if e.Status == types.EntryStatusOverdue || !e.DueDate.After(asOf) {
			b.Interest = b.Interest.Add(e.RemainingInterest())
		}
	}
	b.Total = b.Principal.Add(b.Interest)
	return b
}

// checkBalances guards the ledger invariants before a save
func checkBalances(loan *types.LoanAccount, next Balances) error {
	switch {
	case next.Principal.IsNegative(), next.Interest.IsNegative():
		return fmt.Errorf("%w: loan %s outstanding went negative (principal %s, interest %s)",
			types.ErrInconsistentState, loan.LoanID, next.Principal, next.Interest)
	case next.Principal.GreaterThan(loan.OutstandingPrincipal):
		return fmt.Errorf("%w: loan %s outstanding principal rose from %s to %s",
			types.ErrInconsistentState, loan.LoanID, loan.OutstandingPrincipal, next.Principal)
	}
	return nil
}

func allSettled(entries []types.AmortizationEntry) bool {
	for i := range entries {
		if !entries[i].Settled() && entries[i].RemainingDue().IsPositive() {
			return false
		}
	}
	return true
}

// oldestOverdue returns the earliest due date among unsettled OVERDUE entries
func oldestOverdue(entries []types.AmortizationEntry) (time.Time, bool) {
	for i := range entries {
		if !entries[i].Settled() && entries[i].Status == types.EntryStatusOverdue {
			return entries[i].DueDate, true
		}
	}
	return time.Time{}, false
}

// ApplyPayment allocates a payment to a loan's installments exactly once per
// idempotency key and recomputes the loan's balances.
func (s *Service) ApplyPayment(ctx context.Context, loanID string, req PaymentRequest) (*LedgerUpdateResult, error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("idempotency_key", req.IdempotencyKey).
		Str("service", "ledger").
		Logger()

	if loanID == "" {
		return nil, fmt.Errorf("%w: loan id is required", types.ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", types.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", types.ErrValidation)
	}

	now := s.now().UTC()
	if req.PaymentDate.IsZero() {
		req.PaymentDate = now
	}
	req.PaymentDate = req.PaymentDate.UTC()

	var result *LedgerUpdateResult
	err := s.db.InTransaction(ctx, func(tx *Database) error {
		existing, err := tx.GetPaymentByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return errDuplicatePayment
		}

		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != types.LoanStatusActive && loan.Status != types.LoanStatusNPA {
			return fmt.Errorf("%w: loan %s is %s and does not accept payments", types.ErrValidation, loanID, loan.Status)
		}

		entries, err := tx.GetEntries(ctx, loanID)
		if err != nil {
			return err
		}

		alloc := Allocate(entries, types.RoundMoney(req.Amount), req.PaymentDate)

		next := Recompute(entries, now)
		if err := checkBalances(loan, next); err != nil {
			return err
		}

		touched := make([]*types.AmortizationEntry, 0, len(alloc.Touched))
		for _, i := range alloc.Touched {
			touched = append(touched, &entries[i])
		}
		if err := tx.SaveEntries(ctx, touched); err != nil {
			return err
		}

		loan.OutstandingPrincipal = next.Principal
		loan.OutstandingInterest = next.Interest
		loan.TotalOutstanding = next.Total
		switch {
		case allSettled(entries):
			loan.Status = types.LoanStatusClosed
		case loan.Status == types.LoanStatusNPA:
			if _, stillOverdue := oldestOverdue(entries); !stillOverdue {
				loan.Status = types.LoanStatusActive
			}
		}
		if err := tx.SaveBalances(ctx, loan, now); err != nil {
			return err
		}

		paid, _ := json.Marshal(nonNil(alloc.InstallmentsPaid))
		payment := &types.Payment{
			PaymentID:        "PAY_" + uuid.New().String(),
			LoanID:           loanID,
			Amount:           types.RoundMoney(req.Amount),
			PaymentDate:      req.PaymentDate,
			Mode:             req.Mode,
			IdempotencyKey:   req.IdempotencyKey,
			AppliedAmount:    alloc.Applied,
			UnappliedAmount:  alloc.Unapplied,
			InstallmentsPaid: string(paid),
			AppliedAt:        now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicatePayment
			}
			return fmt.Errorf("failed to record payment: %w", err)
		}

		result = &LedgerUpdateResult{
			LoanID:               loanID,
			PaymentID:            payment.PaymentID,
			IdempotencyKey:       payment.IdempotencyKey,
			AppliedAmount:        alloc.Applied,
			UnappliedAmount:      alloc.Unapplied,
			InstallmentsPaid:     nonNil(alloc.InstallmentsPaid),
			OutstandingPrincipal: loan.OutstandingPrincipal,
			OutstandingInterest:  loan.OutstandingInterest,
			TotalOutstanding:     loan.TotalOutstanding,
			LoanStatus:           loan.Status,
			Version:              loan.Version,
		}
		return nil
	})

	switch {
	case errors.Is(err, errDuplicatePayment):
		logger.Info().Msg("payment already applied, returning stored result")
		return s.storedResult(ctx, loanID, req.IdempotencyKey)
	case errors.Is(err, types.ErrInconsistentState):
		s.FlagInconsistent(ctx, loanID, err)
		return nil, err
	case err != nil:
		logger.Error().Err(err).Msg("failed to apply payment")
		return nil, err
	}

	logger.Info().
		Str("payment_id", result.PaymentID).
		Str("applied", result.AppliedAmount.String()).
		Str("unapplied", result.UnappliedAmount.String()).
		Ints("installments_paid", result.InstallmentsPaid).
		Str("total_outstanding", result.TotalOutstanding.String()).
		Str("loan_status", result.LoanStatus).
		Msg("payment applied")

	return result, nil
}

func (s *Service) storedResult(ctx context.Context, loanID, key string) (*LedgerUpdateResult, error) {
	payment, err := s.db.GetPaymentByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored payment: %w", err)
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: payment %s vanished after duplicate detection", types.ErrConcurrencyConflict, key)
	}
	if payment.LoanID != loanID {
		return nil, fmt.Errorf("%w: idempotency key %s was used for loan %s", types.ErrValidation, key, payment.LoanID)
	}

	loan, err := s.db.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	var paid []int
	if payment.InstallmentsPaid != "" {
		if err := json.Unmarshal([]byte(payment.InstallmentsPaid), &paid); err != nil {
			return nil, fmt.Errorf("failed to decode stored installments: %w", err)
		}
	}

	return &LedgerUpdateResult{
		LoanID:               loanID,
		PaymentID:            payment.PaymentID,
		IdempotencyKey:       key,
		Duplicate:            true,
		AppliedAmount:        payment.AppliedAmount,
		UnappliedAmount:      payment.UnappliedAmount,
		InstallmentsPaid:     nonNil(paid),
		OutstandingPrincipal: loan.OutstandingPrincipal,
		OutstandingInterest:  loan.OutstandingInterest,
		TotalOutstanding:     loan.TotalOutstanding,
		LoanStatus:           loan.Status,
		Version:              loan.Version,
	}, nil
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

// SweepOverdue marks lapsed installments OVERDUE, recomputes the affected
// loans and moves loans past their product's NPA threshold to NPA. A loan
// that fails is counted and skipped; the sweep stops early only when ctx is
// cancelled.
func (s *Service) SweepOverdue(ctx context.Context, asOf time.Time) (*OverdueSummary, error) {
	asOf = asOf.UTC()
	logger := log.With().
		Str("service", "ledger").
		Time("as_of", asOf).
		Logger()

	summary := &OverdueSummary{AsOf: asOf}

	loanIDs, err := s.db.GetLoanIDsForOverdueSweep(ctx, asOf)
	if err != nil {
		return summary, err
	}

	for _, loanID := range loanIDs {
		if ctx.Err() != nil {
			logger.Warn().Int("remaining", len(loanIDs)-summary.LoansUpdated-summary.Failed).Msg("overdue sweep cancelled")
			return summary, ctx.Err()
		}

		marked, npa, err := s.sweepLoan(ctx, loanID, asOf)
		if err != nil {
			summary.Failed++
			if errors.Is(err, types.ErrInconsistentState) {
				s.FlagInconsistent(ctx, loanID, err)
				continue
			}
			logger.Error().Err(err).Str("loan_id", loanID).Msg("failed to sweep loan")
			continue
		}
		summary.LoansUpdated++
		summary.EntriesMarked += marked
		if npa {
			summary.NewNPAs++
		}
	}

	logger.Info().
		Int("loans_updated", summary.LoansUpdated).
		Int64("entries_marked", summary.EntriesMarked).
		Int("new_npas", summary.NewNPAs).
		Int("failed", summary.Failed).
		Msg("overdue sweep completed")

	return summary, nil
}

func (s *Service) sweepLoan(ctx context.Context, loanID string, asOf time.Time) (int64, bool, error) {
	var marked int64
	var becameNPA bool

	err := s.db.InTransaction(ctx, func(tx *Database) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		product, err := s.products.Product(loan.ProductCode)
		if err != nil {
			return err
		}

		marked, err = tx.MarkEntriesOverdue(ctx, loanID, asOf)
		if err != nil {
			return fmt.Errorf("failed to mark installments overdue: %w", err)
		}

		entries, err := tx.GetEntries(ctx, loanID)
		if err != nil {
			return err
		}

		next := Recompute(entries, asOf)
		if err := checkBalances(loan, next); err != nil {
			return err
		}
		loan.OutstandingPrincipal = next.Principal
		loan.OutstandingInterest = next.Interest
		loan.TotalOutstanding = next.Total

		if since, ok := oldestOverdue(entries); ok && loan.Status == types.LoanStatusActive && product.NPAOverdueDays > 0 {
			if daysBetween(since, asOf) >= product.NPAOverdueDays {
				loan.Status = types.LoanStatusNPA
				becameNPA = true
			}
		}

		return tx.SaveBalances(ctx, loan, s.now())
	})

	if err == nil && becameNPA {
		log.Warn().Str("loan_id", loanID).Str("service", "ledger").Msg("loan classified as NPA")
	}
	return marked, becameNPA, err
}

func daysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// LoanView is a loan with its schedule and balances recomputed at AsOf
type LoanView struct {
	Loan     *types.LoanAccount        `json:"loan"`
	Entries  []types.AmortizationEntry `json:"entries"`
	Balances Balances                  `json:"balances"`
	AsOf     time.Time                 `json:"as_of"`
}

// View loads a loan and recomputes its balances at asOf without writing
func (s *Service) View(ctx context.Context, loanID string, asOf time.Time) (*LoanView, error) {
	loan, err := s.db.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	entries, err := s.db.GetEntries(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return &LoanView{
		Loan:     loan,
		Entries:  entries,
		Balances: Recompute(entries, asOf),
		AsOf:     asOf,
	}, nil
}

// Reconcile recomputes a loan's stored balances from its entries at asOf and
// saves them when they differ
func (s *Service) Reconcile(ctx context.Context, loanID string, asOf time.Time) (*LoanView, error) {
	var view *LoanView
	err := s.db.InTransaction(ctx, func(tx *Database) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		entries, err := tx.GetEntries(ctx, loanID)
		if err != nil {
			return err
		}

		next := Recompute(entries, asOf)
		if next.Principal.IsNegative() || next.Interest.IsNegative() {
			return fmt.Errorf("%w: loan %s recomputed to negative balances", types.ErrInconsistentState, loanID)
		}

		if !next.Principal.Equal(loan.OutstandingPrincipal) ||
			!next.Interest.Equal(loan.OutstandingInterest) ||
			!next.Total.Equal(loan.TotalOutstanding) {
			loan.OutstandingPrincipal = next.Principal
			loan.OutstandingInterest = next.Interest
			loan.TotalOutstanding = next.Total
			if err := tx.SaveBalances(ctx, loan, s.now()); err != nil {
				return err
			}
		}

		view = &LoanView{Loan: loan, Entries: entries, Balances: next, AsOf: asOf}
		return nil
	})
	if errors.Is(err, types.ErrInconsistentState) {
		s.FlagInconsistent(ctx, loanID, err)
	}
	return view, err
}

func (s *Service) GetLoan(ctx context.Context, loanID string) (*types.LoanAccount, error) {
	return s.db.GetLoan(ctx, loanID)
}

func (s *Service) ListEntries(ctx context.Context, loanID string) ([]types.AmortizationEntry, error) {
	if _, err := s.db.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.db.GetEntries(ctx, loanID)
}

func (s *Service) ListPayments(ctx context.Context, loanID string) ([]types.Payment, error) {
	return s.db.GetPayments(ctx, loanID)
}

// ListEvaluableLoanIDs returns the loans a revaluation sweep should visit
func (s *Service) ListEvaluableLoanIDs(ctx context.Context) ([]string, error) {
	return s.db.GetLoanIDsByStatus(ctx, types.LoanStatusActive, types.LoanStatusNPA)
}

// MarkLiquidated closes out an open loan after its margin call liquidates.
// It reports false when the loan was no longer ACTIVE or NPA.
func (s *Service) MarkLiquidated(ctx context.Context, loanID string) (bool, error) {
	return s.db.UpdateLoanStatus(ctx, loanID,
		[]string{types.LoanStatusActive, types.LoanStatusNPA}, types.LoanStatusLiquidated)
}

// FlagInconsistent takes a loan out of automated evaluation
func (s *Service) FlagInconsistent(ctx context.Context, loanID string, cause error) {
	logger := log.With().
		Str("loan_id", loanID).
		Str("service", "ledger").
		Logger()

	logger.Error().Err(cause).Msg("ledger invariant violated, flagging loan inconsistent")
	if err := s.db.SetRiskFlag(ctx, loanID, types.RiskFlagInconsistent); err != nil {
		logger.Error().Err(err).Msg("failed to flag loan inconsistent")
	}
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetLoanHandler returns the loan with balances recomputed as of now
func (h *GinHandlers) GetLoanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loanID := c.Param("loan_id")
		view, err := h.service.View(c.Request.Context(), loanID, h.service.now())
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) GetScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.ListEntries(c.Request.Context(), c.Param("loan_id"))
		response.Handle(c, entries, err)
	}
}

func (h *GinHandlers) GetPaymentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		payments, err := h.service.ListPayments(c.Request.Context(), c.Param("loan_id"))
		response.Handle(c, payments, err)
	}
}

func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.Reconcile(c.Request.Context(), c.Param("loan_id"), h.service.now())
		response.Handle(c, view, err)
	}
}
