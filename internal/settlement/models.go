package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementQuote is a point-in-time payoff figure for closing a loan early.
// It is computed on demand and never stored.
type SettlementQuote struct {
	LoanID               string          `json:"loan_id"`
	AsOf                 time.Time       `json:"as_of"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	OutstandingInterest  decimal.Decimal `json:"outstanding_interest"`
	BrokenPeriodInterest decimal.Decimal `json:"broken_period_interest"`
	AccruedInterest      decimal.Decimal `json:"accrued_interest"`
	ForeclosureCharge    decimal.Decimal `json:"foreclosure_charge"`
	PenalInterest        decimal.Decimal `json:"penal_interest"`
	OverdueDays          int             `json:"overdue_days"`
	ProcessingFee        decimal.Decimal `json:"processing_fee"`
	Tax                  decimal.Decimal `json:"tax"`
	TotalPayable         decimal.Decimal `json:"total_payable"`
	RemainingScheduled   decimal.Decimal `json:"remaining_scheduled"`
	Savings              decimal.Decimal `json:"savings"`
}
