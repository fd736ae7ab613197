package util

import (
	"regexp"
	"strings"
)

var reSpaces = regexp.MustCompile(`\s+`)

func NormalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

// NormalizeHeader trims a header cell, drops a UTF-8 BOM and surrounding quotes, and collapses spaces.
func NormalizeHeader(input string) string {
	s := strings.TrimPrefix(input, "\ufeff")
	s = strings.Trim(strings.TrimSpace(s), "\"")
	return NormalizeSpaces(s)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// EmailAddresses extracts bare lower-case addresses from a header value like "Store <a@b.com>, c@d.com".
func EmailAddresses(header string) []string {
	re := regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	found := re.FindAllString(header, -1)
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, strings.ToLower(f))
	}
	return out
}
