package migrations

import (
	"github.com/ksred/klear-lending/internal/types"
	"gorm.io/gorm"
)

// AddCollateralAndMarginCalls creates the collateral and margin call tables
// and the partial unique index that allows one PENDING call per loan
func AddCollateralAndMarginCalls(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.CollateralHolding{}, &types.SchemeNAV{}, &types.MarginCall{}); err != nil {
		return err
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_margin_calls_open
		 ON margin_calls(loan_id) WHERE status = 'PENDING' AND deleted_at IS NULL`,

		// Revaluation fans out from a scheme to its pledged holdings
		`CREATE INDEX IF NOT EXISTS idx_holdings_scheme_status
		 ON collateral_holdings(scheme_id, pledge_status)`,

		`CREATE INDEX IF NOT EXISTS idx_holdings_loan_status
		 ON collateral_holdings(loan_id, pledge_status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
