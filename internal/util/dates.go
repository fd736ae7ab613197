package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"storeledger/internal"
)

var (
	dateRangePattern = regexp.MustCompile(`(?i)from\s+(\d{1,2}/\d{1,2}/\d{4})\s+to\s+(\d{1,2}/\d{1,2}/\d{4})`)
	filenameDate     = regexp.MustCompile(`20\d{6}`)
)

var dateLayouts = []string{
	internal.DateLayout,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
	"01/02/06",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006-01-02T15:04:05Z07:00",
}

// ParseDate accepts the date spellings seen in sheets and vendor reports and returns YYYY-MM-DD.
func ParseDate(input string) (string, error) {
	value := strings.Trim(strings.TrimSpace(input), "\"")
	if value == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format(internal.DateLayout), nil
		}
	}
	return "", fmt.Errorf("unsupported date format: %q", value)
}

// ParseDateRange finds "From MM/DD/YYYY to MM/DD/YYYY" in a line.
func ParseDateRange(line string) (from, to string, ok bool) {
	m := dateRangePattern.FindStringSubmatch(line)
	if len(m) != 3 {
		return "", "", false
	}
	from, err := ParseDate(m[1])
	if err != nil {
		return "", "", false
	}
	to, err = ParseDate(m[2])
	if err != nil {
		return "", "", false
	}
	return from, to, true
}

// DateFromFilename reads a YYYYMMDD run such as "report_20251103.csv".
func DateFromFilename(name string) (string, bool) {
	for _, m := range filenameDate.FindAllString(name, -1) {
		if t, err := time.Parse("20060102", m); err == nil {
			return t.Format(internal.DateLayout), true
		}
	}
	return "", false
}
