package prompt

import "unicode/utf8"

// TokensPerChar is a rough, conservative estimate of tokens per character.
const TokensPerChar = 0.25

// EstimateTokens estimates the number of tokens in text at ~4 characters
// per token. Non-empty text is at least one token.
func EstimateTokens(text string) int {
	charCount := utf8.RuneCountInString(text)
	tokens := int(float64(charCount) * TokensPerChar)
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}

// EstimateTokensForMessages estimates tokens for a batch of message bodies,
// adding per-message overhead for role and formatting.
func EstimateTokensForMessages(contents []string) int {
	total := 0
	for _, content := range contents {
		total += EstimateTokens(content) + 4
	}
	return total
}
