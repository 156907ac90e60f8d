// Package amount converts between human decimal amounts and integer base
// units.
package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// IsDecimal reports whether v is a non-negative decimal like "1" or "0.25".
func IsDecimal(v string) bool {
	return decimalPattern.MatchString(strings.TrimSpace(v))
}

// IsPositiveDecimal is IsDecimal excluding zero.
func IsPositiveDecimal(v string) bool {
	if !IsDecimal(v) {
		return false
	}
	return strings.Trim(strings.ReplaceAll(strings.TrimSpace(v), ".", ""), "0") != ""
}

// ToBaseUnits scales a decimal string by 10^decimals.
func ToBaseUnits(decimal string, decimals int) (*big.Int, error) {
	decimal = strings.TrimSpace(decimal)
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(decimal) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid amount %q: expected decimal form like 1.23", decimal))
	}
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		trimmed := strings.TrimRight(fracPart, "0")
		if len(trimmed) > decimals {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount precision exceeds token decimals (%d)", decimals))
		}
		fracPart = trimmed
	}
	combined := intPart + fracPart + strings.Repeat("0", decimals-len(fracPart))
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return out, nil
}

// Truncate drops fractional digits beyond decimals. Malformed input is
// returned unchanged so ToBaseUnits can report it.
func Truncate(decimal string, decimals int) string {
	decimal = strings.TrimSpace(decimal)
	if decimals < 0 || !decimalPattern.MatchString(decimal) {
		return decimal
	}
	dot := strings.IndexByte(decimal, '.')
	if dot < 0 || len(decimal)-dot-1 <= decimals {
		return decimal
	}
	if decimals == 0 {
		return decimal[:dot]
	}
	return decimal[:dot+1+decimals]
}

// FormatBaseUnits renders base units as a trimmed decimal string.
func FormatBaseUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		intPart := s[:len(s)-decimals]
		fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
		s = intPart
		if fracPart != "" {
			s += "." + fracPart
		}
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatBaseUnitString is FormatBaseUnits for integer strings as relayed by
// upstream APIs.
func FormatBaseUnitString(baseUnits string, decimals int) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return "", clierr.New(clierr.CodeUnavailable, fmt.Sprintf("invalid base unit amount %q", baseUnits))
	}
	return FormatBaseUnits(n, decimals), nil
}

// Normalize trims redundant zeros from a decimal string.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, ".") {
		out := strings.TrimLeft(v, "0")
		if out == "" {
			return "0"
		}
		return out
	}
	parts := strings.SplitN(v, ".", 2)
	intPart := strings.TrimLeft(parts[0], "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart := strings.TrimRight(parts[1], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
