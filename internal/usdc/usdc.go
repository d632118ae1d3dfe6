// Package usdc converts between token base units and decimal strings.
//
// Payment terms carry amounts as integer strings in base units. USDC has six
// decimals, so "1000000" is one dollar.
package usdc

import (
	"math/big"
	"strings"
)

// Decimals of USDC on every supported network.
const Decimals = 6

// Symbol is the display name of the default asset.
const Symbol = "USDC"

// ParseUnits converts a decimal string to base units with the given number of
// decimals. Excess fractional digits are truncated. It returns false for
// negative, empty-after-trim, or malformed input.
func ParseUnits(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || (hasDot && whole == "" && frac == "") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(whole+frac, 10)
	return v, ok
}

// Parse is ParseUnits with six decimals. The empty string parses as zero.
func Parse(s string) (*big.Int, bool) {
	if strings.TrimSpace(s) == "" {
		return big.NewInt(0), true
	}
	return ParseUnits(s, Decimals)
}

// FormatUnits renders base units with exactly `decimals` fractional digits.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	out := digits[:cut]
	if decimals > 0 {
		out += "." + digits[cut:]
	}
	if amount.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// Format renders six-decimal base units, e.g. "1.500000".
func Format(amount *big.Int) string {
	return FormatUnits(amount, Decimals)
}

// Display renders a base-unit integer string for people: trailing zeros are
// trimmed to two places ("1000000" is "1.00 USDC"). Strings that are not
// integers are returned unchanged with the symbol appended.
func Display(baseUnits, symbol string) string {
	if symbol == "" {
		symbol = Symbol
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return strings.TrimSpace(baseUnits + " " + symbol)
	}
	s := Format(v)
	dot := strings.IndexByte(s, '.')
	s = strings.TrimRight(s, "0")
	if len(s) < dot+3 {
		s += strings.Repeat("0", dot+3-len(s))
	}
	return s + " " + symbol
}
