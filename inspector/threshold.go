package inspector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidThreshold is returned for thresholds that are not a non-negative number.
var ErrInvalidThreshold = errors.New("invalid threshold")

// ParseThreshold accepts a number or numeric string in major currency units.
func ParseThreshold(v any) (decimal.Decimal, error) {
	var d decimal.Decimal

	switch t := v.(type) {
	case decimal.Decimal:
		d = t
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case float64:
		d = decimal.NewFromFloat(t)
	case string:
		parsed, err := ParseAmount(t)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidThreshold, t)
		}
		d = parsed
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidThreshold, v)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s is negative", ErrInvalidThreshold, d)
	}
	return d, nil
}

// ParseAmount parses an amount that may carry thousands separators.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	return decimal.NewFromString(s)
}
