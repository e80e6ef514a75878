// Package money holds decimal-safe parsing, formatting and rounding
// used by the escrow engine. Amounts are exact decimals end to end;
// floats never appear.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"escrow-service/internal/domain"
)

// fracDigits is the canonical fractional precision of amounts.
const fracDigits = 8

var (
	// HighExp is the exclusive upper bound on any amount.
	HighExp = decimal.New(1, 15)
	// LowExp is the smallest representable positive amount.
	LowExp = decimal.New(1, -8)

	feeUpRate   = decimal.RequireFromString("1.05")
	feeDownRate = decimal.RequireFromString("0.95")
)

// Normalize returns the canonical representation of d: integral values
// lose their fractional part entirely, fractional values are rounded
// half-up to 8 digits with trailing zeros stripped. Idempotent.
func Normalize(d decimal.Decimal) decimal.Decimal {
	if d.Equal(d.Truncate(0)) {
		return d.Truncate(0)
	}
	r := d.Round(fracDigits)
	if r.Equal(r.Truncate(0)) {
		return r.Truncate(0)
	}
	// strip trailing zeros from the fractional part
	s := r.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return decimal.RequireFromString(s)
}

// Parse validates raw user text as a money amount and returns it
// normalized. Failures are ValidationErrors carrying a message key;
// nothing else about the input leaks.
func Parse(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, domain.NewValidationError("send_decimal_number")
	}
	if d.Sign() <= 0 {
		return decimal.Zero, domain.NewValidationError("send_positive_number")
	}
	if d.GreaterThanOrEqual(HighExp) {
		return decimal.Zero, domain.NewValidationError("send_number_less_than", HighExp.String())
	}
	n := Normalize(d)
	if n.IsZero() {
		return decimal.Zero, domain.NewValidationError("send_number_greater_than", LowExp.String())
	}
	return n, nil
}

// WithFee returns amount plus the 5% service fee, the figure the
// depositor is asked to send.
func WithFee(amount decimal.Decimal) decimal.Decimal {
	return Normalize(amount.Mul(feeUpRate))
}

// LessFee returns amount minus the 5% service fee, the figure paid out
// to the recipient.
func LessFee(amount decimal.Decimal) decimal.Decimal {
	return Normalize(amount.Mul(feeDownRate))
}

// ValidAddress is a generic chain-agnostic sanity filter for receive
// addresses: at most 35 ASCII letters and digits, nothing else.
func ValidAddress(s string) bool {
	if len(s) == 0 || len(s) > 35 {
		return false
	}
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		default:
			return false
		}
	}
	return true
}

// ToDecimal128 converts a decimal for mongo storage.
func ToDecimal128(d decimal.Decimal) primitive.Decimal128 {
	out, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		// amounts pass Parse/Normalize before they get here
		panic("money: unrepresentable decimal " + d.String())
	}
	return out
}

// FromDecimal128 converts a stored mongo decimal back. The zero
// Decimal128 converts to decimal zero.
func FromDecimal128(d primitive.Decimal128) decimal.Decimal {
	s := d.String()
	if s == "" || s == "0E-6176" {
		return decimal.Zero
	}
	out, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return out
}
