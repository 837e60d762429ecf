package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Pledge statuses
const (
	PledgeStatusPending  = "PENDING"
	PledgeStatusPledged  = "PLEDGED"
	PledgeStatusReleased = "RELEASED"
)

// Margin call statuses
const (
	MarginCallPending    = "PENDING"
	MarginCallResolved   = "RESOLVED"
	MarginCallLiquidated = "LIQUIDATED"
)

// CollateralHolding is a block of mutual-fund units offered against a loan
type CollateralHolding struct {
	gorm.Model      `json:"-"`
	HoldingID       string          `gorm:"uniqueIndex" json:"holding_id"`
	LoanID          string          `gorm:"index" json:"loan_id"`
	SchemeID        string          `gorm:"index" json:"scheme_id"`
	Units           decimal.Decimal `gorm:"type:decimal(20,4)" json:"units"`
	PurchaseNAV     decimal.Decimal `gorm:"column:purchase_nav;type:decimal(20,4)" json:"purchase_nav"`
	CurrentNAV      decimal.Decimal `gorm:"column:current_nav;type:decimal(20,4)" json:"current_nav"`
	PurchaseValue   decimal.Decimal `gorm:"type:decimal(20,2)" json:"purchase_value"`
	CurrentValue    decimal.Decimal `gorm:"type:decimal(20,2)" json:"current_value"`
	PledgeStatus    string          `gorm:"index" json:"pledge_status"` // PENDING, PLEDGED, RELEASED
	LastValuationAt *time.Time      `json:"last_valuation_at,omitempty"`
	LienReference   string          `json:"lien_reference,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SchemeNAV keeps the most recent accepted NAV for a scheme
type SchemeNAV struct {
	SchemeID  string          `gorm:"primaryKey" json:"scheme_id"`
	NAV       decimal.Decimal `gorm:"column:nav;type:decimal(20,4)" json:"nav"`
	AsOf      time.Time       `json:"as_of"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableName pins the table name so the acronym does not get split
func (SchemeNAV) TableName() string { return "scheme_navs" }

// MarginCall is a demand for top-up raised when LTV breaches the product threshold
type MarginCall struct {
	gorm.Model      `json:"-"`
	MarginCallID    string          `gorm:"uniqueIndex" json:"margin_call_id"`
	LoanID          string          `gorm:"index" json:"loan_id"`
	TriggerLTV      decimal.Decimal `gorm:"column:trigger_ltv;type:decimal(10,2)" json:"trigger_ltv"`
	CurrentLTV      decimal.Decimal `gorm:"column:current_ltv;type:decimal(10,2)" json:"current_ltv"`
	ShortfallAmount decimal.Decimal `gorm:"type:decimal(20,2)" json:"shortfall_amount"`
	Status          string          `gorm:"index" json:"status"` // PENDING, RESOLVED, LIQUIDATED
	DueDate         time.Time       `json:"due_date"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
