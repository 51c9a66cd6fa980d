// Package tokenizer estimates token counts for conversation history.
//
// The default CharEstimator divides serialized character counts by four,
// which is the heuristic compression thresholds are tuned against. Tokenizer
// wraps tiktoken for hosts that prefer real BPE counts.
package tokenizer

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/entrhq/conductor/pkg/types"
)

// CharsPerToken is the ratio used by CharEstimator.
const CharsPerToken = 4

// Estimator counts tokens for text and message histories.
type Estimator interface {
	CountTokens(text string) int
	CountMessages(messages []*types.Message) int
}

// CharEstimator is the chars/4 heuristic.
type CharEstimator struct{}

// CountTokens returns len(text)/4.
func (CharEstimator) CountTokens(text string) int {
	return len(text) / CharsPerToken
}

// CountMessages returns the total serialized length of messages divided by four.
func (CharEstimator) CountMessages(messages []*types.Message) int {
	total := 0
	for _, m := range messages {
		total += m.SerializedLength()
	}
	return total / CharsPerToken
}

const (
	defaultEncoding  = "cl100k_base"
	defaultCacheSize = 4096
	// perMessageOverhead approximates the role and framing tokens of chat formats.
	perMessageOverhead = 4
)

// Tokenizer counts tokens with a tiktoken encoding and caches per-text results.
type Tokenizer struct {
	enc   *tiktoken.Tiktoken
	cache *lru.Cache[string, int]
	name  string
}

// New creates a tokenizer with the cl100k_base encoding.
func New() (*Tokenizer, error) {
	return NewForModel(defaultEncoding)
}

// NewForModel creates a tokenizer for a model or encoding name, falling back to
// cl100k_base when the name is unknown.
func NewForModel(modelOrEncoding string) (*Tokenizer, error) {
	name := modelOrEncoding
	enc, err := tiktoken.GetEncoding(modelOrEncoding)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(modelOrEncoding)
		if err != nil {
			name = defaultEncoding
			enc, err = tiktoken.GetEncoding(defaultEncoding)
			if err != nil {
				return nil, fmt.Errorf("failed to load encoding %s: %w", defaultEncoding, err)
			}
		}
	}

	cache, err := lru.New[string, int](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &Tokenizer{enc: enc, cache: cache, name: name}, nil
}

// Encoding returns the name the tokenizer was created with.
func (t *Tokenizer) Encoding() string {
	return t.name
}

// CountTokens returns the number of BPE tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if n, ok := t.cache.Get(text); ok {
		return n
	}
	n := len(t.enc.Encode(text, nil, nil))
	t.cache.Add(text, n)
	return n
}

// CountMessages counts every part of every message plus a fixed framing overhead.
func (t *Tokenizer) CountMessages(messages []*types.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		for _, p := range m.Parts {
			total += t.CountTokens(p.Text)
			if p.FunctionCall != nil {
				total += t.CountTokens(p.FunctionCall.Name) + t.countJSON(p.FunctionCall.Args)
			}
			if p.FunctionResponse != nil {
				total += t.CountTokens(p.FunctionResponse.Name) + t.countJSON(p.FunctionResponse.Response)
			}
		}
	}
	return total
}

func (t *Tokenizer) countJSON(v map[string]any) int {
	if len(v) == 0 {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return t.CountTokens(string(data))
}
