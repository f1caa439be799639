// Package textutil provides token estimation and truncation helpers shared
// by the memory and retrieval layers.
package textutil

import "strings"

// charsPerToken is the rough character-to-token ratio used for budgeting.
// It intentionally overestimates token counts for dense text so budgets
// stay conservative.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// TruncateTokens cuts text down to roughly maxTokens, ending at the word
// boundary nearest the budget. Text already within budget is returned
// unchanged.
func TruncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}

	cut := text[:maxChars]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
