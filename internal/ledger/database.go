package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// InTransaction runs fn against a transaction-scoped Database
func (d *Database) InTransaction(ctx context.Context, fn func(tx *Database) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Database{db: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CreateLoan stores a new loan and its schedule
func (d *Database) CreateLoan(ctx context.Context, loan *types.LoanAccount, entries []types.AmortizationEntry) error {
	return d.InTransaction(ctx, func(tx *Database) error {
		if err := tx.db.Create(loan).Error; err != nil {
			return fmt.Errorf("failed to create loan: %w", err)
		}
		if err := tx.db.Create(&entries).Error; err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}
		return nil
	})
}

func (d *Database) GetLoan(ctx context.Context, loanID string) (*types.LoanAccount, error) {
	var loan types.LoanAccount
	if err := d.db.WithContext(ctx).Where("loan_id = ?", loanID).First(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: loan %s", types.ErrNotFound, loanID)
		}
		return nil, fmt.Errorf("failed to fetch loan: %w", err)
	}
	return &loan, nil
}

// GetEntries returns a loan's schedule ordered by installment number
func (d *Database) GetEntries(ctx context.Context, loanID string) ([]types.AmortizationEntry, error) {
	var entries []types.AmortizationEntry
	if err := d.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("installment_number ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	return entries, nil
}

// GetPaymentByKey returns nil when the idempotency key has not been seen
func (d *Database) GetPaymentByKey(ctx context.Context, key string) (*types.Payment, error) {
	var payment types.Payment
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (d *Database) CreatePayment(ctx context.Context, payment *types.Payment) error {
	return d.db.WithContext(ctx).Create(payment).Error
}

// GetPayments lists a loan's applied payments, newest first
func (d *Database) GetPayments(ctx context.Context, loanID string) ([]types.Payment, error) {
	var payments []types.Payment
	if err := d.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("payment_date DESC").
		Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch payments: %w", err)
	}
	return payments, nil
}

// SaveEntries persists the paid amount and status of the given entries
func (d *Database) SaveEntries(ctx context.Context, entries []*types.AmortizationEntry) error {
	for _, e := range entries {
		if err := d.db.WithContext(ctx).Model(e).Updates(map[string]interface{}{
			"paid_amount": e.PaidAmount,
			"status":      e.Status,
			"paid_at":     e.PaidAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update installment %d: %w", e.InstallmentNumber, err)
		}
	}
	return nil
}

// SaveBalances writes the ledger-owned columns of a loan. The write only
// succeeds against the version the caller loaded.
func (d *Database) SaveBalances(ctx context.Context, loan *types.LoanAccount, now time.Time) error {
	result := d.db.WithContext(ctx).Model(&types.LoanAccount{}).
		Where("loan_id = ? AND version = ?", loan.LoanID, loan.Version).
		Updates(map[string]interface{}{
			"outstanding_principal": loan.OutstandingPrincipal,
			"outstanding_interest":  loan.OutstandingInterest,
			"total_outstanding":     loan.TotalOutstanding,
			"status":                loan.Status,
			"version":               loan.Version + 1,
			"updated_at":            now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: loan %s changed since version %d", types.ErrConcurrencyConflict, loan.LoanID, loan.Version)
	}

	loan.Version++
	loan.UpdatedAt = now
	return nil
}

// MarkEntriesOverdue flips lapsed PENDING installments of one loan to OVERDUE
func (d *Database) MarkEntriesOverdue(ctx context.Context, loanID string, asOf time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&types.AmortizationEntry{}).
		Where("loan_id = ? AND status = ? AND due_date < ?", loanID, types.EntryStatusPending, asOf).
		Update("status", types.EntryStatusOverdue)
	return result.RowsAffected, result.Error
}

// GetLoanIDsForOverdueSweep finds open loans holding PENDING installments
// due before asOf, plus ACTIVE loans that already carry OVERDUE installments
// and may have aged into NPA.
func (d *Database) GetLoanIDsForOverdueSweep(ctx context.Context, asOf time.Time) ([]string, error) {
	var loanIDs []string
	if err := d.db.WithContext(ctx).Model(&types.AmortizationEntry{}).
		Distinct("amortization_entries.loan_id").
		Joins("JOIN loan_accounts ON loan_accounts.loan_id = amortization_entries.loan_id").
		Where("loan_accounts.deleted_at IS NULL AND amortization_entries.deleted_at IS NULL").
		Where(
			"((amortization_entries.status = ? AND amortization_entries.due_date < ? AND loan_accounts.status IN ?) OR (amortization_entries.status = ? AND loan_accounts.status = ?))",
			types.EntryStatusPending, asOf, []string{types.LoanStatusActive, types.LoanStatusNPA},
			types.EntryStatusOverdue, types.LoanStatusActive,
		).
		Order("amortization_entries.loan_id ASC").
		Pluck("amortization_entries.loan_id", &loanIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch loans for overdue sweep: %w", err)
	}
	return loanIDs, nil
}

// GetLoanIDsByStatus lists loans in any of the given statuses
func (d *Database) GetLoanIDsByStatus(ctx context.Context, statuses ...string) ([]string, error) {
	var loanIDs []string
	if err := d.db.WithContext(ctx).Model(&types.LoanAccount{}).
		Where("status IN ?", statuses).
		Order("loan_id ASC").
		Pluck("loan_id", &loanIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch loans: %w", err)
	}
	return loanIDs, nil
}

// UpdateLoanStatus moves a loan to status when it currently sits in one of from
func (d *Database) UpdateLoanStatus(ctx context.Context, loanID string, from []string, to string) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.LoanAccount{}).
		Where("loan_id = ? AND status IN ?", loanID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// SetRiskFlag writes the risk flag column directly
func (d *Database) SetRiskFlag(ctx context.Context, loanID, flag string) error {
	return d.db.WithContext(ctx).Model(&types.LoanAccount{}).
		Where("loan_id = ?", loanID).
		Update("risk_flag", flag).Error
}
