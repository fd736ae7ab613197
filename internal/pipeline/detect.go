package pipeline

import (
	"strings"
)

type DetectResult struct {
	IsReport bool
	Score    float64
	Reason   string
}

var detectKeywords = []string{"settlement", "lottery", "retailer", "sales report", "daily report", "weekly report", "statement"}

// DetectLotteryReport scores whether an email carries a vendor report worth ingesting.
func DetectLotteryReport(subject, from string, attachmentNames []string, tables int) DetectResult {
	subject = strings.ToLower(subject)
	from = strings.ToLower(from)

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(subject, kw) {
			score += 0.25
		}
	}
	if strings.Contains(from, "lottery") || strings.Contains(from, "settlement") {
		score += 0.2
	}

	for _, name := range attachmentNames {
		if _, ok := SourceKindForFile(name); ok && !strings.HasSuffix(strings.ToLower(name), ".htm") && !strings.HasSuffix(strings.ToLower(name), ".html") {
			score += 0.5
			break
		}
	}
	if tables > 0 {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}

	isReport := score >= 0.45
	reason := "rules_negative"
	if isReport {
		reason = "rules_positive"
	}
	return DetectResult{IsReport: isReport, Score: score, Reason: reason}
}
