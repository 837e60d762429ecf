package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

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

func (d *Database) CreateHolding(ctx context.Context, holding *types.CollateralHolding) error {
	return d.db.WithContext(ctx).Create(holding).Error
}

func (d *Database) GetHolding(ctx context.Context, holdingID string) (*types.CollateralHolding, error) {
	var holding types.CollateralHolding
	if err := d.db.WithContext(ctx).Where("holding_id = ?", holdingID).First(&holding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: holding %s", types.ErrNotFound, holdingID)
		}
		return nil, fmt.Errorf("failed to fetch holding: %w", err)
	}
	return &holding, nil
}

// GetHoldings lists a loan's holdings, optionally filtered by pledge status
func (d *Database) GetHoldings(ctx context.Context, loanID string, statuses ...string) ([]types.CollateralHolding, error) {
	query := d.db.WithContext(ctx).Where("loan_id = ?", loanID)
	if len(statuses) > 0 {
		query = query.Where("pledge_status IN ?", statuses)
	}

	var holdings []types.CollateralHolding
	if err := query.Order("holding_id ASC").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	return holdings, nil
}

// GetPledgedHoldingsForScheme returns every PLEDGED holding of a scheme
func (d *Database) GetPledgedHoldingsForScheme(ctx context.Context, schemeID string) ([]types.CollateralHolding, error) {
	var holdings []types.CollateralHolding
	if err := d.db.WithContext(ctx).
		Where("scheme_id = ? AND pledge_status = ?", schemeID, types.PledgeStatusPledged).
		Order("holding_id ASC").
		Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch holdings for scheme: %w", err)
	}
	return holdings, nil
}

// RevalueHolding writes a new valuation unless the holding already carries
// a newer one. It reports whether the row was updated.
func (d *Database) RevalueHolding(ctx context.Context, holding *types.CollateralHolding, asOf time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.CollateralHolding{}).
		Where("holding_id = ? AND pledge_status = ?", holding.HoldingID, types.PledgeStatusPledged).
		Where("(last_valuation_at IS NULL OR last_valuation_at <= ?)", asOf).
		Updates(map[string]interface{}{
			"current_nav":       holding.CurrentNAV,
			"current_value":     holding.CurrentValue,
			"last_valuation_at": asOf,
			"updated_at":        time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// UpsertSchemeNAV records the latest NAV of a scheme, keeping the newer of
// the stored and incoming observations
func (d *Database) UpsertSchemeNAV(ctx context.Context, nav *types.SchemeNAV) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scheme_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nav", "as_of", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "scheme_navs.as_of <= excluded.as_of"},
		}},
	}).Create(nav).Error
}

// GetSchemeNAV returns nil when the scheme has never been priced
func (d *Database) GetSchemeNAV(ctx context.Context, schemeID string) (*types.SchemeNAV, error) {
	var nav types.SchemeNAV
	if err := d.db.WithContext(ctx).Where("scheme_id = ?", schemeID).First(&nav).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch scheme nav: %w", err)
	}
	return &nav, nil
}

// UpdatePledgeStatus moves a holding between pledge statuses. It reports
// false when the holding was not in the expected status.
func (d *Database) UpdatePledgeStatus(ctx context.Context, holdingID, from, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"pledge_status": to,
		"updated_at":    time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := d.db.WithContext(ctx).Model(&types.CollateralHolding{}).
		Where("holding_id = ? AND pledge_status = ?", holdingID, from).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

// GetLoanIDsForHoldings maps holdings back to their distinct loans
func (d *Database) GetLoanIDsForHoldings(ctx context.Context, holdingIDs []string) ([]string, error) {
	if len(holdingIDs) == 0 {
		return nil, nil
	}

	var loanIDs []string
	if err := d.db.WithContext(ctx).Model(&types.CollateralHolding{}).
		Distinct("loan_id").
		Where("holding_id IN ?", holdingIDs).
		Order("loan_id ASC").
		Pluck("loan_id", &loanIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch loans for holdings: %w", err)
	}
	return loanIDs, nil
}
