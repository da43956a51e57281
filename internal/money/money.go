// Package money provides INR amount parsing and formatting.
//
// Amounts travel as decimal strings ("15000.00") and are held as int64
// paise (1 rupee = 100 paise) so comparisons against thresholds are exact.
package money

import (
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits in a rupee amount.
const Decimals = 2

// maxWholeDigits keeps paise within int64 with room to spare.
const maxWholeDigits = 15

// Parse converts a decimal string (e.g. "1500.5") to paise (150050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty strings, signs, and whitespace are rejected
//   - Multiple decimal points are rejected
//   - More than two fractional digits are rejected, never rounded
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return 0, false
	}
	if whole == "" || len(whole) > maxWholeDigits || (hasDot && frac == "") || len(frac) > Decimals {
		return 0, false
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// MustParse is Parse for constants and tests; it panics on invalid input.
func MustParse(s string) int64 {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + strconv.Quote(s))
	}
	return v
}

// Format renders paise as a decimal string with exactly two fractional digits.
func Format(paise int64) string {
	neg := paise < 0
	if neg {
		paise = -paise
	}
	s := strconv.FormatInt(paise, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// Positive reports whether s parses to an amount greater than zero.
func Positive(s string) bool {
	v, ok := Parse(s)
	return ok && v > 0
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
