package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/amortization"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/margincall"
	"github.com/ksred/klear-lending/internal/types"
)

// Sweep names used in logs and metrics
const (
	SweepRevaluation = "revaluation"
	SweepOverdue     = "overdue"
	SweepDueCalls    = "due_margin_calls"
)

// ScheduleRequest previews a schedule without opening a loan
type ScheduleRequest struct {
	Principal    decimal.Decimal `json:"principal"`
	AnnualRate   decimal.Decimal `json:"annual_rate"`
	TenureMonths int             `json:"tenure_months" binding:"required"`
	StartDate    time.Time       `json:"start_date" binding:"required"`
}

// SchedulePreview is a generated schedule and its totals
type SchedulePreview struct {
	Summary amortization.Summary      `json:"summary"`
	Entries []types.AmortizationEntry `json:"entries"`
}

// DisbursalResult is a freshly opened loan and its first risk evaluation
type DisbursalResult struct {
	Loan       *types.LoanAccount        `json:"loan"`
	Schedule   []types.AmortizationEntry `json:"schedule"`
	Collateral decimal.Decimal           `json:"collateral_value"`
	Risk       *RiskEvaluation           `json:"risk,omitempty"`
}

// RiskEvaluation is the outcome of evaluating one loan
type RiskEvaluation struct {
	LoanID      string                 `json:"loan_id"`
	LoanStatus  string                 `json:"loan_status"`
	Outstanding decimal.Decimal        `json:"total_outstanding"`
	Collateral  decimal.Decimal        `json:"collateral_value"`
	CurrentLTV  decimal.Decimal        `json:"current_ltv"`
	Band        string                 `json:"band"`
	Transition  *margincall.Transition `json:"margin_call_transition,omitempty"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// PaymentOutcome is a ledger update followed by the risk evaluation it
// triggered. RiskError is set when the payment was applied but the loan
// could not be evaluated.
type PaymentOutcome struct {
	Ledger    *ledger.LedgerUpdateResult `json:"ledger"`
	Risk      *RiskEvaluation            `json:"risk,omitempty"`
	RiskError string                     `json:"risk_error,omitempty"`
}

// RevaluationResult reports a NAV tick and the loans it re-evaluated
type RevaluationResult struct {
	SchemeID         string       `json:"scheme_id"`
	NAV              string       `json:"nav"`
	AsOf             time.Time    `json:"as_of"`
	AffectedHoldings []string     `json:"affected_holdings"`
	Warning          string       `json:"warning,omitempty"`
	Summary          SweepSummary `json:"summary"`
}

// SweepSummary counts what an evaluation pass over many loans did. Partial
// is set when the pass stopped early because its context ended.
type SweepSummary struct {
	Sweep               string    `json:"sweep"`
	LoansConsidered     int       `json:"loans_considered"`
	LoansEvaluated      int       `json:"loans_evaluated"`
	MarginCallsCreated  int       `json:"margin_calls_created"`
	MarginCallsResolved int       `json:"margin_calls_resolved"`
	Liquidations        int       `json:"liquidations"`
	Skipped             int       `json:"skipped"`
	Failed              int       `json:"failed"`
	Partial             bool      `json:"partial"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

func (s *SweepSummary) results() map[string]int {
	return map[string]int{
		"evaluated": s.LoansEvaluated,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
	}
}
