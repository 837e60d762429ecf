package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/types"
)

var t0 = time.Date(2025, time.March, 3, 15, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.NewInMemory("valuation_" + uuid.NewString())
	require.NoError(t, err)
	return NewService(db)
}

func pledged(t *testing.T, svc *Service, loanID, schemeID, units, nav string) *types.CollateralHolding {
	t.Helper()
	ctx := context.Background()
	h, err := svc.SubmitHolding(ctx, SubmitHoldingRequest{
		LoanID:      loanID,
		SchemeID:    schemeID,
		Units:       dec(units),
		PurchaseNAV: dec(nav),
	})
	require.NoError(t, err)
	h, err = svc.PledgeHolding(ctx, h.HoldingID, "")
	require.NoError(t, err)
	return h
}

func TestSubmitAndPledge(t *testing.T) {
	svc := newTestService(t)
	h := pledged(t, svc, "LN_1", "SCH_A", "1000", "52.5")

	assert.Equal(t, types.PledgeStatusPledged, h.PledgeStatus)
	assert.NotEmpty(t, h.LienReference)
	assert.True(t, h.PurchaseValue.Equal(dec("52500")))
	assert.True(t, h.CurrentValue.Equal(dec("52500")))

	_, err := svc.PledgeHolding(context.Background(), h.HoldingID, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSubmitHolding_UsesLatestSchemeNAV(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RevalueScheme(ctx, "SCH_A", dec("60"), t0)
	require.NoError(t, err)

	h, err := svc.SubmitHolding(ctx, SubmitHoldingRequest{LoanID: "LN_1", SchemeID: "SCH_A", Units: dec("10"), PurchaseNAV: dec("50")})
	require.NoError(t, err)
	assert.True(t, h.CurrentValue.Equal(dec("600")))
	assert.True(t, h.PurchaseValue.Equal(dec("500")))
}

func TestRevalueScheme(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a := pledged(t, svc, "LN_1", "SCH_A", "100", "10")
	b := pledged(t, svc, "LN_2", "SCH_A", "50.5", "10")
	pledged(t, svc, "LN_1", "SCH_B", "100", "10")

	affected, err := svc.RevalueScheme(ctx, "SCH_A", dec("12.3456"), t0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.HoldingID, b.HoldingID}, affected)

	got, err := svc.GetHolding(ctx, b.HoldingID)
	require.NoError(t, err)
	assert.True(t, got.CurrentValue.Equal(dec("623.45")), "value %s", got.CurrentValue)

	loans, err := svc.LoanIDsForHoldings(ctx, affected)
	require.NoError(t, err)
	assert.Equal(t, []string{"LN_1", "LN_2"}, loans)

	summary, err := svc.TotalCollateralValue(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Holdings)
	assert.True(t, summary.TotalValue.Equal(dec("2234.56")), "total %s", summary.TotalValue)
}

func TestRevalueScheme_StaleTickDoesNotChangeValue(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	h := pledged(t, svc, "LN_1", "SCH_A", "100", "10")

	_, err := svc.RevalueScheme(ctx, "SCH_A", dec("11"), t0)
	require.NoError(t, err)

	affected, err := svc.RevalueScheme(ctx, "SCH_A", dec("9"), t0.Add(-time.Hour))
	assert.ErrorIs(t, err, types.ErrExternalData)
	assert.Empty(t, affected)

	got, err := svc.GetHolding(ctx, h.HoldingID)
	require.NoError(t, err)
	assert.True(t, got.CurrentValue.Equal(dec("1100")))

	nav, err := svc.GetSchemeNAV(ctx, "SCH_A")
	require.NoError(t, err)
	assert.True(t, nav.NAV.Equal(dec("11")))

	// A tick at the same instant is accepted
	_, err = svc.RevalueScheme(ctx, "SCH_A", dec("11.5"), t0)
	require.NoError(t, err)
	got, err = svc.GetHolding(ctx, h.HoldingID)
	require.NoError(t, err)
	assert.True(t, got.CurrentValue.Equal(dec("1150")))
}

func TestRevalueScheme_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RevalueScheme(ctx, "", dec("10"), t0)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.RevalueScheme(ctx, "SCH_A", decimal.Zero, t0)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestReleaseHolding_DropsOutOfCollateral(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	h := pledged(t, svc, "LN_1", "SCH_A", "100", "10")

	_, err := svc.ReleaseHolding(ctx, h.HoldingID)
	require.NoError(t, err)

	summary, err := svc.TotalCollateralValue(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Holdings)
	assert.True(t, summary.TotalValue.IsZero())

	_, err = svc.ReleaseHolding(ctx, h.HoldingID)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.ReleaseHolding(ctx, "HLD_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
