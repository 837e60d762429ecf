package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/types"
)

func TestProcessor_LiquidatesDueCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLoan(t, "LN_1", "SCH_A", "2000")

	f.tick(t, "SCH_A", "80")
	f.now = f.now.Add(time.Hour)
	f.tick(t, "SCH_A", "65")

	p := NewProcessor(f.engine, time.Minute)

	// not yet due
	require.NoError(t, p.processDueCalls(ctx))
	loan, err := f.engine.Ledger().GetLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusActive, loan.Status)

	f.now = f.now.Add(72 * time.Hour)
	require.NoError(t, p.processDueCalls(ctx))
	loan, err = f.engine.Ledger().GetLoan(ctx, "LN_1")
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusLiquidated, loan.Status)
}

func TestProcessor_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := NewProcessor(f.engine, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
