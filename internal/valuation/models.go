package valuation

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitHoldingRequest offers a block of units as collateral for a loan
type SubmitHoldingRequest struct {
	HoldingID   string          `json:"holding_id"`
	LoanID      string          `json:"loan_id" binding:"required"`
	SchemeID    string          `json:"scheme_id" binding:"required"`
	Units       decimal.Decimal `json:"units"`
	PurchaseNAV decimal.Decimal `json:"purchase_nav"`
}

// NAVTick is one price observation from the feed
type NAVTick struct {
	SchemeID string          `json:"scheme_id" binding:"required"`
	NAV      decimal.Decimal `json:"nav"`
	AsOf     time.Time       `json:"as_of" binding:"required"`
}

// CollateralSummary aggregates the pledged holdings of a loan
type CollateralSummary struct {
	LoanID          string          `json:"loan_id"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Holdings        int             `json:"holdings"`
	OldestValuation *time.Time      `json:"oldest_valuation,omitempty"`
}
