/*
config.go - Commission program parameters

PURPOSE:
  Referral cap, purchase threshold, level rates, currency scale and the
  conflict retry budget. Defaults match the program as launched:
  8 referrals, 1000 minimum, 5% level 1, 1% level 2, 2 decimals.

SEE ALSO:
  - commission.go: Uses the rates and threshold
  - config/config.go: Loads these values from file and environment
*/
package referral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the commission program parameters for a deployment.
// Changing a value only affects purchases processed afterwards.
type Config struct {
	MaxDirectReferrals int
	MinPurchaseAmount  decimal.Decimal
	Level1Percentage   decimal.Decimal
	Level2Percentage   decimal.Decimal

	// CurrencyScale is the number of decimal places money is kept at.
	CurrencyScale int32

	// MaxConflictRetries bounds retries of the commission unit of work after
	// ErrPersistenceConflict.
	MaxConflictRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxDirectReferrals: 8,
		MinPurchaseAmount:  decimal.NewFromInt(1000),
		Level1Percentage:   decimal.RequireFromString("0.05"),
		Level2Percentage:   decimal.RequireFromString("0.01"),
		CurrencyScale:      2,
		MaxConflictRetries: 5,
	}
}

// RateFor returns the commission rate for a level.
func (c Config) RateFor(level Level) decimal.Decimal {
	switch level {
	case Level1:
		return c.Level1Percentage
	case Level2:
		return c.Level2Percentage
	}
	return decimal.Zero
}

func (c Config) Validate() error {
	if c.MaxDirectReferrals <= 0 {
		return fmt.Errorf("max direct referrals must be positive, got %d", c.MaxDirectReferrals)
	}
	if c.MinPurchaseAmount.IsNegative() {
		return fmt.Errorf("min purchase amount must not be negative, got %s", c.MinPurchaseAmount)
	}
	for _, l := range []Level{Level1, Level2} {
		r := c.RateFor(l)
		if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("level %d percentage must be within [0,1], got %s", l, r)
		}
	}
	if c.CurrencyScale < 0 {
		return fmt.Errorf("currency scale must not be negative, got %d", c.CurrencyScale)
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative, got %d", c.MaxConflictRetries)
	}
	return nil
}
