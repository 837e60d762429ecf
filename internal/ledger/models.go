package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenLoanRequest describes a loan to disburse
type OpenLoanRequest struct {
	LoanID        string          `json:"loan_id"`
	ProductCode   string          `json:"product_code" binding:"required"`
	Principal     decimal.Decimal `json:"principal"`
	AnnualRate    decimal.Decimal `json:"annual_rate"`
	TenureMonths  int             `json:"tenure_months" binding:"required"`
	DisbursalDate time.Time       `json:"disbursal_date" binding:"required"`
}

// PaymentRequest is a single delivery from the payment ledger feed
type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    time.Time       `json:"payment_date"`
	Mode           string          `json:"mode"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Balances is the outstanding position derived from a loan's entries
type Balances struct {
	Principal decimal.Decimal `json:"outstanding_principal"`
	Interest  decimal.Decimal `json:"outstanding_interest"`
	Total     decimal.Decimal `json:"total_outstanding"`
}

// Allocation records how a payment was spread across installments
type Allocation struct {
	Applied          decimal.Decimal
	Unapplied        decimal.Decimal
	InstallmentsPaid []int
	Touched          []int // indexes into the entry slice
}

// LedgerUpdateResult is returned by ApplyPayment
type LedgerUpdateResult struct {
	LoanID               string          `json:"loan_id"`
	PaymentID            string          `json:"payment_id"`
	IdempotencyKey       string          `json:"idempotency_key"`
	Duplicate            bool            `json:"duplicate"`
	AppliedAmount        decimal.Decimal `json:"applied_amount"`
	UnappliedAmount      decimal.Decimal `json:"unapplied_amount"`
	InstallmentsPaid     []int           `json:"installments_paid"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	OutstandingInterest  decimal.Decimal `json:"outstanding_interest"`
	TotalOutstanding     decimal.Decimal `json:"total_outstanding"`
	LoanStatus           string          `json:"loan_status"`
	Version              int64           `json:"version"`
}

// OverdueSummary reports a completed overdue sweep
type OverdueSummary struct {
	LoansUpdated  int       `json:"loans_updated"`
	EntriesMarked int64     `json:"entries_marked"`
	NewNPAs       int       `json:"new_npas"`
	Failed        int       `json:"failed"`
	AsOf          time.Time `json:"as_of"`
}
