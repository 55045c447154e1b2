// Package format turns backend results into the outbound chat texts. Every
// function is pure; the same input always yields the same output.
package format

import (
	"fmt"

	"relaybot/internal/domain"
)

// DefaultLimit is the largest chunk, in runes, sent as one chat message.
const DefaultLimit = 4000

// FormatAnswer renders result with its timing footer and splits it into
// consecutive chunks of at most limit runes. Concatenating the chunks yields
// the full rendered text. An empty answer renders the bilingual
// "no answer found" fallback.
func FormatAnswer(result domain.BackendResult, limit int) []string {
	answer := result.Answer
	if answer == "" {
		answer = noAnswerText
	}
	processing := result.ProcessingTime
	if processing < 0 {
		processing = 0
	}
	return Split(answer+fmt.Sprintf(answerFooter, processing), limit)
}

// Split cuts text into fixed-size chunks of limit runes; the last chunk holds
// the remainder. Multi-byte characters are never cut. A non-positive limit
// falls back to DefaultLimit.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// FormatStatus renders the bilingual status report.
func FormatStatus(report domain.StatusReport) string {
	switch {
	case !report.Operational:
		return statusUnreachableText
	case !report.HasDocument:
		return statusNoDocumentText
	}
	title := report.DocumentTitle
	if title == "" {
		title = unknownTitle
	}
	return fmt.Sprintf(statusDocumentTemplate, title, report.ChunkCount)
}

// FormatError is the apology sent when a query cycle fails.
func FormatError() string { return errorText }

func Welcome() string { return welcomeText }

func Help() string { return helpText }

// Processing is the interim notice shown while the backend works.
func Processing() string { return processingText }

// RateLimited is sent instead of a query when a chat exceeds its flood limit.
func RateLimited() string { return rateLimitedText }

// NoAnswer is the fallback rendered for an empty backend answer.
func NoAnswer() string { return noAnswerText }
