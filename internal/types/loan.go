package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Loan lifecycle statuses
const (
	LoanStatusActive     = "ACTIVE"
	LoanStatusClosed     = "CLOSED"
	LoanStatusNPA        = "NPA"
	LoanStatusDefaulted  = "DEFAULTED"
	LoanStatusLiquidated = "LIQUIDATED"
)

// Risk flags written by the LTV monitor
const (
	RiskFlagNone         = ""
	RiskFlagUnassessable = "UNASSESSABLE"
	RiskFlagInconsistent = "INCONSISTENT"
)

// Installment statuses
const (
	EntryStatusPending = "PENDING"
	EntryStatusPaid    = "PAID"
	EntryStatusOverdue = "OVERDUE"
	EntryStatusWaived  = "WAIVED"
)

// LoanAccount is the versioned state of a single loan. Balance and lifecycle
// columns belong to the ledger; the LTV columns are written only by the monitor.
type LoanAccount struct {
	gorm.Model           `json:"-"`
	LoanID               string          `gorm:"uniqueIndex" json:"loan_id"`
	ProductCode          string          `json:"product_code"`
	Principal            decimal.Decimal `gorm:"type:decimal(20,2)" json:"principal"`
	AnnualRate           decimal.Decimal `gorm:"type:decimal(10,4)" json:"annual_rate"`
	TenureMonths         int             `json:"tenure_months"`
	DisbursalDate        time.Time       `json:"disbursal_date"`
	EMIAmount            decimal.Decimal `gorm:"column:emi_amount;type:decimal(20,2)" json:"emi_amount"`
	OutstandingPrincipal decimal.Decimal `gorm:"type:decimal(20,2)" json:"outstanding_principal"`
	OutstandingInterest  decimal.Decimal `gorm:"type:decimal(20,2)" json:"outstanding_interest"`
	TotalOutstanding     decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_outstanding"`
	CurrentLTV           decimal.Decimal `gorm:"column:current_ltv;type:decimal(10,2)" json:"current_ltv"`
	LTVBand              string          `gorm:"column:ltv_band" json:"ltv_band"`
	RiskFlag             string          `gorm:"index" json:"risk_flag,omitempty"`
	LastAssessedAt       *time.Time      `json:"last_assessed_at,omitempty"`
	Status               string          `gorm:"index" json:"status"` // ACTIVE, CLOSED, NPA, DEFAULTED, LIQUIDATED
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// AmortizationEntry is one installment of a loan's schedule
type AmortizationEntry struct {
	gorm.Model         `json:"-"`
	LoanID             string          `gorm:"uniqueIndex:idx_entry_loan_installment" json:"loan_id,omitempty"`
	InstallmentNumber  int             `gorm:"uniqueIndex:idx_entry_loan_installment" json:"installment_number"`
	DueDate            time.Time       `gorm:"index" json:"due_date"`
	EMIAmount          decimal.Decimal `gorm:"column:emi_amount;type:decimal(20,2)" json:"emi_amount"`
	PrincipalComponent decimal.Decimal `gorm:"type:decimal(20,2)" json:"principal_component"`
	InterestComponent  decimal.Decimal `gorm:"type:decimal(20,2)" json:"interest_component"`
	Status             string          `gorm:"index" json:"status"` // PENDING, PAID, OVERDUE, WAIVED
	PaidAmount         decimal.Decimal `gorm:"type:decimal(20,2)" json:"paid_amount"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
}

// Settled reports whether the entry no longer carries a balance
func (e *AmortizationEntry) Settled() bool {
	return e.Status == EntryStatusPaid || e.Status == EntryStatusWaived
}

// RemainingDue is the part of the EMI not yet covered by payments
func (e *AmortizationEntry) RemainingDue() decimal.Decimal {
	if e.Settled() {
		return decimal.Zero
	}
	due := e.EMIAmount.Sub(e.PaidAmount)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// RemainingInterest allocates paid amounts to interest first
func (e *AmortizationEntry) RemainingInterest() decimal.Decimal {
	if e.Settled() {
		return decimal.Zero
	}
	rem := e.InterestComponent.Sub(e.PaidAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// RemainingPrincipal is the principal left once interest has been covered
func (e *AmortizationEntry) RemainingPrincipal() decimal.Decimal {
	if e.Settled() {
		return decimal.Zero
	}
	towardsPrincipal := e.PaidAmount.Sub(e.InterestComponent)
	if towardsPrincipal.IsNegative() {
		towardsPrincipal = decimal.Zero
	}
	return e.PrincipalComponent.Sub(towardsPrincipal)
}

// Payment is a delivery from the payment ledger feed
type Payment struct {
	gorm.Model       `json:"-"`
	PaymentID        string          `gorm:"uniqueIndex" json:"payment_id"`
	LoanID           string          `gorm:"index" json:"loan_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	PaymentDate      time.Time       `json:"payment_date"`
	Mode             string          `json:"mode"`
	IdempotencyKey   string          `gorm:"uniqueIndex" json:"idempotency_key"`
	AppliedAmount    decimal.Decimal `gorm:"type:decimal(20,2)" json:"applied_amount"`
	UnappliedAmount  decimal.Decimal `gorm:"type:decimal(20,2)" json:"unapplied_amount"`
	InstallmentsPaid string          `json:"installments_paid"` // JSON array of installment numbers
	AppliedAt        time.Time       `json:"applied_at"`
}
