// Package tokencount provides token counting for LLM prompt budgeting.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library, so the
// pipeline can trim conversation context before hitting a provider's
// context window instead of failing the request.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the appropriate tiktoken encoding for a model,
// caching encodings for reuse.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// cl100k_base covers GPT-4 era models and is a close enough
		// approximation for the rest.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "gpt"):
		return "gpt-4"
	case strings.Contains(model, "claude"):
		// Claude tokenizes differently; cl100k_base is a reasonable
		// approximation for budgeting purposes.
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateTokens counts tokens, falling back to a rough 4 chars per token
// estimate when no encoding is available. It never fails.
func (c *Counter) EstimateTokens(text, model string) int {
	n, err := c.CountTokens(text, model)
	if err != nil {
		slog.Warn("token count failed, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		return len(text) / 4
	}
	return n
}

// CountChatTokens counts tokens for a chat completion request, accounting
// for the per-message overhead used by OpenAI-compatible APIs.
func (c *Counter) CountChatTokens(model, systemPrompt string, messages []string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message plus 1 for the role, per the OpenAI cookbook.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	numTokens := tokensPerMessage + tokensPerRole + len(enc.Encode(systemPrompt, nil, nil))
	for _, m := range messages {
		numTokens += tokensPerMessage + tokensPerRole + len(enc.Encode(m, nil, nil))
	}
	// Every reply is primed with <|start|>assistant<|message|>
	numTokens += 3
	return numTokens, nil
}
