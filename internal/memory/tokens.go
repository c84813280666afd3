package memory

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TokenCounter returns a TokenCountFunc backed by tiktoken's cl100k_base
// encoding, falling back to a chars/4 estimate if the encoding cannot be
// loaded (offline first run).
func TokenCounter() TokenCountFunc {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken unavailable, using character estimate", "error", err)
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return func(text string) int { return len(text) / 4 }
	}
	return func(text string) int {
		return len(encoding.Encode(text, nil, nil))
	}
}
