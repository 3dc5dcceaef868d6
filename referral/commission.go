/*
commission.go - Pure commission math

PURPOSE:
  Everything that decides how much money moves, expressed as pure functions
  over value types. Nothing here touches a store. The engine plans with
  these functions and the store applies the result through its atomic
  update contract.

RULES:
  - A purchase qualifies when amount >= MinPurchaseAmount (inclusive).
  - Each level's commission is a rate of the PURCHASE amount, never of a
    lower level's commission.
  - Results are rounded to the currency scale (half away from zero).
  - An absent ancestor is a no-op for its level, not an error.

EXAMPLE:
  U3 -> U2 -> U1, U3 buys 2000 with 5% / 1%:
    L1 to U2: 100.00
    L2 to U1:  20.00

SEE ALSO:
  - engine.go: Applies the plan
  - config.go: Rates and threshold
*/
package referral

import (
	"github.com/shopspring/decimal"
)

// Commission returns amount * rate at the given currency scale.
func Commission(amount, rate decimal.Decimal, scale int32) decimal.Decimal {
	return amount.Mul(rate).Round(scale)
}

// Qualifies reports whether a purchase amount reaches the threshold.
func Qualifies(amount, minimum decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(minimum)
}

// ValidAmount reports whether amount is a positive value representable at
// the currency scale.
func ValidAmount(amount decimal.Decimal, scale int32) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(scale))
}

// Credit is one planned commission payment.
type Credit struct {
	Level     Level
	Recipient UserID
	Amount    decimal.Decimal
}

// PlanCommission computes the credits for a purchase. upline holds the
// purchaser's ancestors, nearest first; entries beyond MaxLevel are ignored.
func PlanCommission(cfg Config, amount decimal.Decimal, upline []UserID) []Credit {
	if !Qualifies(amount, cfg.MinPurchaseAmount) {
		return nil
	}
	var credits []Credit
	for i, recipient := range upline {
		level := Level(i + 1)
		if !level.Valid() {
			break
		}
		credits = append(credits, Credit{
			Level:     level,
			Recipient: recipient,
			Amount:    Commission(amount, cfg.RateFor(level), cfg.CurrencyScale),
		})
	}
	return credits
}

// ApplyEarningDelta returns u with amount added to the level accumulator
// and the total. Stores call it inside their atomic section.
func ApplyEarningDelta(u User, level Level, amount decimal.Decimal) User {
	switch level {
	case Level1:
		u.Level1Earnings = u.Level1Earnings.Add(amount)
	case Level2:
		u.Level2Earnings = u.Level2Earnings.Add(amount)
	default:
		return u
	}
	u.TotalEarnings = u.TotalEarnings.Add(amount)
	u.Version++
	return u
}

// Outstanding returns the levels of credits not covered by existing
// earnings of the same purchase.
func Outstanding(credits []Credit, existing []Entry) []Level {
	done := make(map[Level]bool, len(existing))
	for _, e := range existing {
		done[e.Level] = true
	}
	var out []Level
	for _, c := range credits {
		if !done[c.Level] {
			out = append(out, c.Level)
		}
	}
	return out
}
