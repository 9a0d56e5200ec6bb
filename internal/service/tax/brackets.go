package tax

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedTaxYear = errors.New("unsupported tax year")

// Bracket taxes income in [Min, Max) at Rate. A nil Max marks the top bracket.
type Bracket struct {
	Min  decimal.Decimal
	Max  *decimal.Decimal
	Rate decimal.Decimal
}

// Schedule is the progressive bracket table and standard deduction for one tax year.
type Schedule struct {
	Year              int
	Brackets          []Bracket
	StandardDeduction decimal.Decimal
}

func bound(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func bracket(min int64, max *decimal.Decimal, rate string) Bracket {
	return Bracket{Min: decimal.NewFromInt(min), Max: max, Rate: decimal.RequireFromString(rate)}
}

var schedules = map[int]Schedule{
	2024: {
		Year: 2024,
		Brackets: []Bracket{
			bracket(0, bound(11000), "0.10"),
			bracket(11000, bound(44725), "0.12"),
			bracket(44725, bound(95375), "0.22"),
			bracket(95375, bound(197050), "0.24"),
			bracket(197050, bound(418850), "0.32"),
			bracket(418850, bound(628300), "0.35"),
			bracket(628300, nil, "0.37"),
		},
		StandardDeduction: decimal.NewFromInt(14600),
	},
}

// ScheduleFor returns the schedule for the given tax year.
func ScheduleFor(year int) (Schedule, error) {
	s, ok := schedules[year]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %d", ErrUnsupportedTaxYear, year)
	}
	return s, nil
}

// Validate checks that brackets start at zero, are contiguous and only the last is open.
func (s Schedule) Validate() error {
	if len(s.Brackets) == 0 {
		return errors.New("schedule has no brackets")
	}
	if !s.Brackets[0].Min.IsZero() {
		return errors.New("first bracket must start at 0")
	}
	for i, b := range s.Brackets {
		if b.Rate.IsNegative() || b.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("bracket %d: rate %s out of range", i, b.Rate)
		}
		last := i == len(s.Brackets)-1
		if b.Max == nil {
			if !last {
				return fmt.Errorf("bracket %d: only the top bracket may be open", i)
			}
			continue
		}
		if !b.Max.GreaterThan(b.Min) {
			return fmt.Errorf("bracket %d: max %s not above min %s", i, b.Max, b.Min)
		}
		if last {
			return errors.New("top bracket must be open")
		}
		if !s.Brackets[i+1].Min.Equal(*b.Max) {
			return fmt.Errorf("bracket %d: gap before %s", i+1, s.Brackets[i+1].Min)
		}
	}
	if s.StandardDeduction.IsNegative() {
		return errors.New("standard deduction must not be negative")
	}
	return nil
}

// FederalTax applies the progressive schedule to taxable income, rounded half-up to cents.
// Non-positive income owes nothing.
func (s Schedule) FederalTax(taxable decimal.Decimal) decimal.Decimal {
	if !taxable.IsPositive() {
		return decimal.Zero
	}
	tax := decimal.Zero
	remaining := taxable
	for _, b := range s.Brackets {
		if !remaining.IsPositive() {
			break
		}
		portion := remaining
		if b.Max != nil {
			portion = decimal.Min(remaining, b.Max.Sub(b.Min))
		}
		tax = tax.Add(portion.Mul(b.Rate))
		remaining = remaining.Sub(portion)
	}
	return tax.Round(2)
}
