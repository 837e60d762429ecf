package amortization

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/types"
)

var disbursal = time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

func sumPrincipal(schedule []types.AmortizationEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range schedule {
		total = total.Add(e.PrincipalComponent)
	}
	return total
}

func TestGenerateSchedule_StandardEMI(t *testing.T) {
	principal := decimal.NewFromInt(100000)
	schedule, err := GenerateSchedule(principal, decimal.NewFromInt(12), 12, disbursal)
	require.NoError(t, err)
	require.Len(t, schedule, 12)

	emi := schedule[0].EMIAmount
	assert.True(t, emi.Equal(decimal.RequireFromString("8884.88")), "emi was %s", emi)
	assert.InDelta(t, 8885, emi.InexactFloat64(), 1)

	assert.True(t, sumPrincipal(schedule).Equal(principal), "principal sum %s", sumPrincipal(schedule))

	for k := 1; k < len(schedule); k++ {
		prev, cur := schedule[k-1], schedule[k]
		assert.True(t, cur.InterestComponent.LessThanOrEqual(prev.InterestComponent),
			"interest increased at installment %d", cur.InstallmentNumber)
		assert.True(t, cur.PrincipalComponent.GreaterThanOrEqual(prev.PrincipalComponent),
			"principal decreased at installment %d", cur.InstallmentNumber)
	}

	for i, e := range schedule {
		assert.Equal(t, i+1, e.InstallmentNumber)
		assert.Equal(t, types.EntryStatusPending, e.Status)
		assert.True(t, e.PaidAmount.IsZero())
		assert.True(t, e.EMIAmount.Equal(e.PrincipalComponent.Add(e.InterestComponent)))
	}

	assert.True(t, schedule[0].InterestComponent.Equal(decimal.NewFromInt(1000)))
}

func TestGenerateSchedule_PrincipalSumExact(t *testing.T) {
	cases := []struct {
		principal string
		rate      string
		tenure    int
	}{
		{"100000", "12", 12},
		{"250000", "10.5", 36},
		{"1234567.89", "9.25", 60},
		{"5000", "18", 7},
		{"99999.99", "11.75", 240},
		{"100", "0", 3},
		{"200", "0", 3},
	}

	for _, tc := range cases {
		principal := decimal.RequireFromString(tc.principal)
		schedule, err := GenerateSchedule(principal, decimal.RequireFromString(tc.rate), tc.tenure, disbursal)
		require.NoError(t, err)
		require.Len(t, schedule, tc.tenure)
		assert.True(t, sumPrincipal(schedule).Equal(principal),
			"P=%s r=%s n=%d summed to %s", tc.principal, tc.rate, tc.tenure, sumPrincipal(schedule))
	}
}

func TestGenerateSchedule_ZeroRate(t *testing.T) {
	principal := decimal.NewFromInt(120000)
	schedule, err := GenerateSchedule(principal, decimal.Zero, 12, disbursal)
	require.NoError(t, err)

	flat := decimal.NewFromInt(10000)
	for _, e := range schedule {
		assert.True(t, e.InterestComponent.IsZero())
		assert.True(t, e.PrincipalComponent.Equal(flat), "installment %d principal %s", e.InstallmentNumber, e.PrincipalComponent)
	}
}

func TestGenerateSchedule_ZeroRateLastAbsorbsRounding(t *testing.T) {
	principal := decimal.NewFromInt(100)
	schedule, err := GenerateSchedule(principal, decimal.Zero, 3, disbursal)
	require.NoError(t, err)

	assert.True(t, schedule[0].PrincipalComponent.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, schedule[1].PrincipalComponent.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, schedule[2].PrincipalComponent.Equal(decimal.RequireFromString("33.34")))
}

func TestGenerateSchedule_Validation(t *testing.T) {
	_, err := GenerateSchedule(decimal.Zero, decimal.NewFromInt(12), 12, disbursal)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = GenerateSchedule(decimal.NewFromInt(-5), decimal.NewFromInt(12), 12, disbursal)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = GenerateSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(-1), 12, disbursal)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = GenerateSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(12), 0, disbursal)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = GenerateSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(12), 12, time.Time{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAddMonthsClamped(t *testing.T) {
	jan31 := time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC), AddMonthsClamped(jan31, 1))
	assert.Equal(t, time.Date(2024, time.March, 31, 10, 0, 0, 0, time.UTC), AddMonthsClamped(jan31, 2))
	assert.Equal(t, time.Date(2024, time.April, 30, 10, 0, 0, 0, time.UTC), AddMonthsClamped(jan31, 3))
	assert.Equal(t, time.Date(2025, time.February, 28, 10, 0, 0, 0, time.UTC), AddMonthsClamped(jan31, 13))
	assert.Equal(t, time.Date(2024, time.December, 31, 10, 0, 0, 0, time.UTC), AddMonthsClamped(jan31, 11))
}

func TestGenerateSchedule_DueDatesDoNotDrift(t *testing.T) {
	start := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	schedule, err := GenerateSchedule(decimal.NewFromInt(60000), decimal.NewFromInt(10), 4, start)
	require.NoError(t, err)

	assert.Equal(t, 28, schedule[0].DueDate.Day())
	assert.Equal(t, 31, schedule[1].DueDate.Day())
	assert.Equal(t, 30, schedule[2].DueDate.Day())
	assert.Equal(t, 31, schedule[3].DueDate.Day())
}

func TestSummarize(t *testing.T) {
	schedule, err := GenerateSchedule(decimal.NewFromInt(100000), decimal.NewFromInt(12), 12, disbursal)
	require.NoError(t, err)

	s := Summarize(schedule)
	assert.Equal(t, 12, s.Installments)
	assert.True(t, s.TotalPayable.Equal(decimal.NewFromInt(100000).Add(s.TotalInterest)))
	assert.True(t, s.TotalInterest.IsPositive())
	assert.Equal(t, schedule[11].DueDate, s.FinalDueDate)
}

func TestEMI(t *testing.T) {
	emi, err := EMI(decimal.NewFromInt(100000), decimal.NewFromInt(12), 12)
	require.NoError(t, err)
	assert.Equal(t, "8884.88", emi.StringFixed(2))

	_, err = EMI(decimal.NewFromInt(100000), decimal.NewFromInt(12), 0)
	assert.ErrorIs(t, err, types.ErrValidation)
}
