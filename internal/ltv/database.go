package ltv

import (
	"context"

	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveAssessment writes only the monitor-owned columns of a loan, leaving
// balances and lifecycle to the ledger. A loan already flagged INCONSISTENT
// keeps its flag.
func (d *Database) SaveAssessment(ctx context.Context, a *Assessment) error {
	updates := map[string]interface{}{
		"risk_flag":        a.Flag,
		"last_assessed_at": a.AssessedAt,
	}
	if a.Assessable() {
		updates["current_ltv"] = a.LTV
		updates["ltv_band"] = a.Band
	}

	return d.db.WithContext(ctx).Model(&types.LoanAccount{}).
		Where("loan_id = ?", a.LoanID).
		Where("(risk_flag IS NULL OR risk_flag <> ?)", types.RiskFlagInconsistent).
		Updates(updates).Error
}
