package margincall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/types"
)

var now = time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func product(t *testing.T) config.Product {
	t.Helper()
	p, err := config.Default().Product(config.DefaultProductCode)
	require.NoError(t, err)
	return p
}

func input(t *testing.T, ltv string, at time.Time) Input {
	collateral := dec("100000")
	return Input{
		LoanID:           "LN_1",
		LoanStatus:       types.LoanStatusActive,
		LTV:              dec(ltv),
		TotalOutstanding: types.Percent(collateral, dec(ltv)),
		CollateralValue:  collateral,
		Product:          product(t),
		Now:              at,
	}
}

func TestShortfall(t *testing.T) {
	assert.Equal(t, "2000", Shortfall(dec("62000"), dec("100000"), dec("60")).String())
	assert.True(t, Shortfall(dec("50000"), dec("100000"), dec("60")).IsZero())
}

func TestDecide_CreateOnBreach(t *testing.T) {
	d := Decide(nil, input(t, "59.99", now))
	assert.Equal(t, KindNone, d.Kind)

	d = Decide(nil, input(t, "62", now))
	assert.Equal(t, KindCreate, d.Kind)
	assert.Equal(t, "60", d.TriggerLTV.String(), "trigger records the threshold in force")
	assert.Equal(t, "62", d.CurrentLTV.String())
	assert.Equal(t, "2000", d.Shortfall.String())
	assert.Equal(t, now.Add(72*time.Hour), d.DueDate)

	in := input(t, "62", now)
	in.LoanStatus = types.LoanStatusClosed
	assert.Equal(t, KindNone, Decide(nil, in).Kind)
}

func TestDecide_TriggerFollowsConfiguredThreshold(t *testing.T) {
	in := input(t, "59", now)
	in.Product.MarginCallThreshold = dec("58.5")

	d := Decide(nil, in)
	require.Equal(t, KindCreate, d.Kind)
	assert.Equal(t, "58.5", d.TriggerLTV.String())
	assert.Equal(t, "59", d.CurrentLTV.String())
	assert.False(t, d.TriggerLTV.Equal(d.CurrentLTV))

	// a later threshold change does not rewrite the open call's trigger
	open := &types.MarginCall{TriggerLTV: d.TriggerLTV, Status: types.MarginCallPending, DueDate: d.DueDate}
	later := input(t, "61", now.Add(time.Hour))
	assert.Equal(t, "58.5", Decide(open, later).TriggerLTV.String())
}

func TestDecide_OpenCall(t *testing.T) {
	open := &types.MarginCall{
		MarginCallID: "MC_1",
		LoanID:       "LN_1",
		TriggerLTV:   dec("62"),
		Status:       types.MarginCallPending,
		DueDate:      now.Add(72 * time.Hour),
	}

	// LTV back under threshold resolves, before or after due
	assert.Equal(t, KindResolve, Decide(open, input(t, "58", now)).Kind)
	assert.Equal(t, KindResolve, Decide(open, input(t, "58", now.Add(100*time.Hour))).Kind)

	// Still breached within SLA holds, even above liquidation
	assert.Equal(t, KindHold, Decide(open, input(t, "71", now.Add(time.Hour))).Kind)

	// Past due above liquidation liquidates
	d := Decide(open, input(t, "70", now.Add(73*time.Hour)))
	assert.Equal(t, KindLiquidate, d.Kind)
	assert.Equal(t, "62", d.TriggerLTV.String())

	// Past due between thresholds keeps holding
	assert.Equal(t, KindHold, Decide(open, input(t, "65", now.Add(73*time.Hour))).Kind)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.NewInMemory("margincall_" + uuid.NewString())
	require.NoError(t, err)
	svc := NewService(db)
	svc.SetClock(func() time.Time { return now })
	return svc
}

func TestApply_CreateResolveCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Apply(ctx, nil, Decide(nil, input(t, "62", now)))
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	require.NotNil(t, tr.MarginCall)

	open, err := svc.GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, tr.MarginCall.MarginCallID, open.MarginCallID)

	tr, err = svc.Apply(ctx, open, Decide(open, input(t, "58", now)))
	require.NoError(t, err)
	assert.Equal(t, KindResolve, tr.Kind)
	assert.True(t, tr.Applied)

	open, err = svc.GetOpen(ctx, "LN_1")
	require.NoError(t, err)
	assert.Nil(t, open)

	stored, err := svc.Get(ctx, tr.MarginCall.MarginCallID)
	require.NoError(t, err)
	assert.Equal(t, types.MarginCallResolved, stored.Status)
	require.NotNil(t, stored.ResolvedAt)

	// Resolving again is a no-op
	tr, err = svc.Apply(ctx, stored, Decision{Kind: KindResolve, LoanID: "LN_1", CurrentLTV: dec("58")})
	require.NoError(t, err)
	assert.False(t, tr.Applied)

	// A fresh breach raises a new call
	tr, err = svc.Apply(ctx, nil, Decide(nil, input(t, "61", now)))
	require.NoError(t, err)
	assert.True(t, tr.Applied)

	calls, err := svc.ListForLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}

func TestApply_Liquidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Apply(ctx, nil, Decide(nil, input(t, "62", now)))
	require.NoError(t, err)
	open := tr.MarginCall

	later := now.Add(73 * time.Hour)
	d := Decide(open, input(t, "70", later))
	require.Equal(t, KindLiquidate, d.Kind)

	tr, err = svc.Apply(ctx, open, d)
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, types.MarginCallLiquidated, tr.MarginCall.Status)

	pending, err := svc.ListByStatus(ctx, types.MarginCallPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateIfAbsent_AtMostOnePendingUnderConcurrency(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*Transition, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Apply(ctx, nil, Decide(nil, input(t, "63", now)))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Applied {
			created++
		}
	}
	assert.Equal(t, 1, created)

	pending, err := svc.ListByStatus(ctx, types.MarginCallPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestApply_HoldRefreshesSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Apply(ctx, nil, Decide(nil, input(t, "62", now)))
	require.NoError(t, err)
	open := tr.MarginCall

	tr, err = svc.Apply(ctx, open, Decide(open, input(t, "64.5", now.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, KindHold, tr.Kind)

	stored, err := svc.Get(ctx, open.MarginCallID)
	require.NoError(t, err)
	assert.Equal(t, "64.5", stored.CurrentLTV.String())
	assert.Equal(t, "60", stored.TriggerLTV.String())
	assert.Equal(t, "4500", stored.ShortfallAmount.String())
}
