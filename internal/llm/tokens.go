package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens estimates the token count of text. Falls back to a bytes/4
// heuristic when the encoding is unavailable (offline environments).
func CountTokens(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// TruncateToTokens trims text to at most maxTokens, appending a marker when
// content was dropped. Used to keep schema dumps inside prompt budgets.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 || CountTokens(text) <= maxTokens {
		return text
	}
	if e := encoding(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + "\n...[truncated]"
	}
	limit := maxTokens * 4
	if limit >= len(text) {
		return text
	}
	return text[:limit] + "\n...[truncated]"
}
