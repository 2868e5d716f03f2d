package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var nonMoneyChars = regexp.MustCompile(`[^0-9.,-]`)

// ParseAmount converts a decimal major-unit amount ("99.00") to minor
// units. Unparseable or non-finite input is treated as absent.
func ParseAmount(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	v := int64(math.Round(parsed * 100))
	return &v
}

// ParseMoney strips currency symbols and thousands separators before
// parsing ("$1,299.00" -> 129900). CRM payloads carry amounts this way.
func ParseMoney(raw string) *int64 {
	cleaned := nonMoneyChars.ReplaceAllString(raw, "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	return ParseAmount(cleaned)
}

// NormalizeCurrency upper-cases an ISO currency code, returning ""
// for blank input.
func NormalizeCurrency(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
