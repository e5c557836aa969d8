package vendors

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackTokenRatio is the approximate number of characters per token,
// used when the tokenizer cannot be loaded.
const fallbackTokenRatio = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens counts tokens in text with the cl100k_base encoding.
// Some vendor responses omit usage counts; the adapters fill them in with
// this estimate so usage events never carry zero for non-empty content.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding == nil {
		return (len(text) + fallbackTokenRatio - 1) / fallbackTokenRatio
	}
	return len(encoding.Encode(text, nil, nil))
}

// estimateRequestTokens estimates the input-side token count for a request:
// system prompt plus all history turns.
func estimateRequestTokens(req *Request) int {
	total := estimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		total += estimateTokens(m.Content)
	}
	return total
}
