package chat

import "unicode/utf8"

// EstimateTokens approximates a token count as characters/4, rounded down.
// It is a billing hint, not a tokenizer.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// EstimateInputTokens sums the per-message estimates.
func EstimateInputTokens(messages []Message) int {
	total := 0
	for _, message := range messages {
		total += EstimateTokens(message.Content)
	}
	return total
}
