package margincall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-lending/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOpen returns the loan's PENDING margin call, or nil
func (d *Database) GetOpen(ctx context.Context, loanID string) (*types.MarginCall, error) {
	var call types.MarginCall
	if err := d.db.WithContext(ctx).
		Where("loan_id = ? AND status = ?", loanID, types.MarginCallPending).
		First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch open margin call: %w", err)
	}
	return &call, nil
}

func (d *Database) GetByID(ctx context.Context, marginCallID string) (*types.MarginCall, error) {
	var call types.MarginCall
	if err := d.db.WithContext(ctx).Where("margin_call_id = ?", marginCallID).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: margin call %s", types.ErrNotFound, marginCallID)
		}
		return nil, fmt.Errorf("failed to fetch margin call: %w", err)
	}
	return &call, nil
}

// CreateIfAbsent inserts call unless the loan already has a PENDING call.
// The partial unique index on margin_calls(loan_id) decides the race.
func (d *Database) CreateIfAbsent(ctx context.Context, call *types.MarginCall) (bool, error) {
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(call)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Refresh updates the snapshot of a PENDING call
func (d *Database) Refresh(ctx context.Context, marginCallID string, currentLTV, shortfall decimal.Decimal, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.MarginCall{}).
		Where("margin_call_id = ? AND status = ?", marginCallID, types.MarginCallPending).
		Updates(map[string]interface{}{
			"current_ltv":      currentLTV,
			"shortfall_amount": shortfall,
			"updated_at":       now,
		})
	return result.RowsAffected > 0, result.Error
}

// Close moves a PENDING call to a terminal status. Closing an already
// closed call is a no-op that reports false.
func (d *Database) Close(ctx context.Context, marginCallID, status string, currentLTV decimal.Decimal, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.MarginCall{}).
		Where("margin_call_id = ? AND status = ?", marginCallID, types.MarginCallPending).
		Updates(map[string]interface{}{
			"status":      status,
			"current_ltv": currentLTV,
			"resolved_at": now,
			"updated_at":  now,
		})
	return result.RowsAffected > 0, result.Error
}

// GetByLoan lists every margin call raised on a loan, newest first
func (d *Database) GetByLoan(ctx context.Context, loanID string) ([]types.MarginCall, error) {
	var calls []types.MarginCall
	if err := d.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("created_at DESC").
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch margin calls: %w", err)
	}
	return calls, nil
}

// GetByStatus lists margin calls in a status, oldest due first
func (d *Database) GetByStatus(ctx context.Context, status string) ([]types.MarginCall, error) {
	var calls []types.MarginCall
	if err := d.db.WithContext(ctx).
		Where("status = ?", status).
		Order("due_date ASC").
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch margin calls: %w", err)
	}
	return calls, nil
}
