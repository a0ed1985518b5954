package budget

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter is the reference TokenCounter, backed by tiktoken-go. It is
// exercised by tests and wired as the default counter in cmd/pipelined, but
// nothing in the engine or actions depends on it directly — they depend on
// the TokenCounter interface.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter builds a counter for the given encoding (e.g. "cl100k_base").
// Falls back to a ~4-characters-per-token estimate if the encoding can't be loaded,
// so a missing vocabulary file never blocks the pipeline from running.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// estimateTokens is the degraded fallback: roughly 4 characters per token,
// the same rule of thumb used when no tokenizer is available.
func estimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
