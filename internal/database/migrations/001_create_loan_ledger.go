package migrations

import (
	"github.com/ksred/klear-lending/internal/types"
	"gorm.io/gorm"
)

// CreateLoanLedger creates the loan, schedule and payment tables
func CreateLoanLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.LoanAccount{}, &types.AmortizationEntry{}, &types.Payment{}); err != nil {
		return err
	}

	indexes := []string{
		// Overdue sweep scans by status and due date
		`CREATE INDEX IF NOT EXISTS idx_entries_status_due
		 ON amortization_entries(status, due_date)`,

		// Revaluation sweep scans open loans
		`CREATE INDEX IF NOT EXISTS idx_loans_status_flag
		 ON loan_accounts(status, risk_flag)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
