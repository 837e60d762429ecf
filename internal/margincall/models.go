package margincall

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/types"
)

// Kind is the outcome of evaluating a loan against its margin call state
type Kind string

const (
	KindNone      Kind = "NONE"
	KindCreate    Kind = "CREATE"
	KindHold      Kind = "HOLD"
	KindResolve   Kind = "RESOLVE"
	KindLiquidate Kind = "LIQUIDATE"
)

// Input is the risk snapshot a decision is made on
type Input struct {
	LoanID           string
	LoanStatus       string
	LTV              decimal.Decimal
	TotalOutstanding decimal.Decimal
	CollateralValue  decimal.Decimal
	Product          config.Product
	Now              time.Time
}

// Decision is what Decide wants done; it carries the values to persist
type Decision struct {
	Kind       Kind            `json:"kind"`
	LoanID     string          `json:"loan_id"`
	TriggerLTV decimal.Decimal `json:"trigger_ltv"`
	CurrentLTV decimal.Decimal `json:"current_ltv"`
	Shortfall  decimal.Decimal `json:"shortfall_amount"`
	DueDate    time.Time       `json:"due_date"`
}

// Transition reports a decision after it has been applied
type Transition struct {
	Kind       Kind              `json:"kind"`
	Applied    bool              `json:"applied"`
	MarginCall *types.MarginCall `json:"margin_call,omitempty"`
}
