package llmextract

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for sizing and chunking. The zero value
// estimates ceil(len/4) characters per token.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer resolves the encoding for a model, falling back to
// cl100k_base and finally to the character estimate.
func NewTokenizer(model string) *Tokenizer {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Tokenizer{}
		}
	}
	return &Tokenizer{enc: enc}
}

// Count returns the token count of s.
func (t *Tokenizer) Count(s string) int {
	if t.enc != nil {
		return len(t.enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// ChunkByLines splits content into chunks of at most budget tokens,
// breaking only at line boundaries. Consecutive chunks share trailing
// lines worth up to overlap tokens. A single line larger than the budget
// becomes its own chunk.
func ChunkByLines(content string, budget, overlap int, tok *Tokenizer) []string {
	if budget <= 0 {
		budget = 1
	}
	lines := strings.Split(content, "\n")

	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, "\n"))

		var tail []string
		tailTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			lt := tok.Count(current[i] + "\n")
			if tailTokens+lt > overlap {
				break
			}
			tail = append([]string{current[i]}, tail...)
			tailTokens += lt
		}
		current = tail
		currentTokens = tailTokens
	}

	for _, line := range lines {
		lt := tok.Count(line + "\n")
		if currentTokens+lt > budget && len(current) > 0 {
			flush()
			// The overlap itself may not leave room for the next line.
			if currentTokens+lt > budget {
				current = nil
				currentTokens = 0
			}
		}
		current = append(current, line)
		currentTokens += lt
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}
