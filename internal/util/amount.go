package util

import (
	"math"
	"strconv"
	"strings"
)

var amountCleaner = strings.NewReplacer("$", "", ",", "", "\"", "", "'", "", " ", "", "\t", "", "\u00a0", "")

// CleanAmount strips currency formatting from a spreadsheet or CSV cell.
// Accounting negatives written as "(12.50)" become "-12.50".
func CleanAmount(input string) string {
	s := amountCleaner.Replace(strings.TrimSpace(input))
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	return s
}

// ParseAmount cleans and parses a money cell. ok is false for blank or non-numeric input.
func ParseAmount(input string) (float64, bool) {
	clean := CleanAmount(input)
	if clean == "" || clean == "-" {
		return 0, false
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// AmountOrZero is ParseAmount for required schema fields.
func AmountOrZero(input string) float64 {
	v, _ := ParseAmount(input)
	return v
}

func StringPtr(v string) *string { return &v }

func FloatPtr(v float64) *float64 { return &v }

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
