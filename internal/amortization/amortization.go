// Package amortization builds reducing-balance installment schedules.
package amortization

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/types"
)

// Working precision for the compounding factor and the monthly rate
const ratePlaces = 28

var (
	twelveHundred = decimal.NewFromInt(1200)
	one           = decimal.NewFromInt(1)
)

// Summary totals a generated schedule
type Summary struct {
	EMIAmount     decimal.Decimal `json:"emi_amount"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	TotalPayable  decimal.Decimal `json:"total_payable"`
	Installments  int             `json:"installments"`
	FinalDueDate  time.Time       `json:"final_due_date"`
}

// MonthlyRate converts an annual nominal percentage into a monthly fraction
func MonthlyRate(annualRate decimal.Decimal) decimal.Decimal {
	return annualRate.DivRound(twelveHundred, ratePlaces)
}

// EMI computes the equated monthly installment for a reducing-balance loan,
// rounded half-up to the smallest currency unit.
func EMI(principal, annualRate decimal.Decimal, tenureMonths int) (decimal.Decimal, error) {
	if err := validate(principal, annualRate, tenureMonths); err != nil {
		return decimal.Zero, err
	}
	return emi(principal, MonthlyRate(annualRate), tenureMonths), nil
}

func emi(principal, monthlyRate decimal.Decimal, n int) decimal.Decimal {
	if monthlyRate.IsZero() {
		return types.RoundMoney(principal.Div(decimal.NewFromInt(int64(n))))
	}
	factor := compound(one.Add(monthlyRate), n)
	// P * i * (1+i)^n / ((1+i)^n - 1)
	raw := principal.Mul(monthlyRate).Mul(factor).DivRound(factor.Sub(one), ratePlaces)
	return types.RoundMoney(raw)
}

// compound raises base to n by repeated multiplication, keeping a fixed
// working precision so long tenures do not blow up the digit count.
func compound(base decimal.Decimal, n int) decimal.Decimal {
	result := one
	for k := 0; k < n; k++ {
		result = result.Mul(base).Round(ratePlaces)
	}
	return result
}

// GenerateSchedule returns the n installments of a reducing-balance loan, all
// PENDING. Interest for each period is charged on the opening balance; the
// final installment's principal is the remaining balance so the schedule
// exhausts the principal exactly.
func GenerateSchedule(principal, annualRate decimal.Decimal, tenureMonths int, startDate time.Time) ([]types.AmortizationEntry, error) {
	if err := validate(principal, annualRate, tenureMonths); err != nil {
		return nil, err
	}
	if startDate.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", types.ErrValidation)
	}

	monthlyRate := MonthlyRate(annualRate)
	installment := emi(principal, monthlyRate, tenureMonths)

	schedule := make([]types.AmortizationEntry, 0, tenureMonths)
	balance := principal

	for k := 1; k <= tenureMonths; k++ {
		interest := types.RoundMoney(balance.Mul(monthlyRate))
		principalPart := installment.Sub(interest)
		amount := installment

		if k == tenureMonths || principalPart.GreaterThan(balance) {
			principalPart = balance
			amount = principalPart.Add(interest)
		}

		balance = balance.Sub(principalPart)

		schedule = append(schedule, types.AmortizationEntry{
			InstallmentNumber:  k,
			DueDate:            AddMonthsClamped(startDate, k),
			EMIAmount:          amount,
			PrincipalComponent: principalPart,
			InterestComponent:  interest,
			Status:             types.EntryStatusPending,
			PaidAmount:         decimal.Zero,
		})

		if balance.IsZero() && k < tenureMonths {
			// Only reachable when rounding lets the EMI retire the loan early;
			// remaining periods still exist with zero amounts to keep numbering contiguous.
			for j := k + 1; j <= tenureMonths; j++ {
				schedule = append(schedule, types.AmortizationEntry{
					InstallmentNumber:  j,
					DueDate:            AddMonthsClamped(startDate, j),
					EMIAmount:          decimal.Zero,
					PrincipalComponent: decimal.Zero,
					InterestComponent:  decimal.Zero,
					Status:             types.EntryStatusPending,
					PaidAmount:         decimal.Zero,
				})
			}
			break
		}
	}

	return schedule, nil
}

// Summarize totals a schedule
func Summarize(schedule []types.AmortizationEntry) Summary {
	s := Summary{
		TotalInterest: decimal.Zero,
		TotalPayable:  decimal.Zero,
		Installments:  len(schedule),
	}
	if len(schedule) == 0 {
		return s
	}
	s.EMIAmount = schedule[0].EMIAmount
	s.FinalDueDate = schedule[len(schedule)-1].DueDate
	for _, e := range schedule {
		s.TotalInterest = s.TotalInterest.Add(e.InterestComponent)
		s.TotalPayable = s.TotalPayable.Add(e.EMIAmount)
	}
	return s
}

// AddMonthsClamped advances t by the given number of months, clamping the day
// to the last day of the target month (Jan 31 + 1 month = Feb 28/29). The
// original day is used for every offset so the schedule never drifts.
func AddMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	last := daysIn(target.Year(), target.Month(), t.Location())
	if day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func validate(principal, annualRate decimal.Decimal, tenureMonths int) error {
	if !principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", types.ErrValidation)
	}
	if annualRate.IsNegative() {
		return fmt.Errorf("%w: interest rate must not be negative", types.ErrValidation)
	}
	if tenureMonths < 1 {
		return fmt.Errorf("%w: tenure must be at least one month", types.ErrValidation)
	}
	return nil
}
