// Package context keeps long conversations inside the model's context window
// by folding the oldest part of the history into a model-written snapshot.
package context

import (
	"context"
	"fmt"

	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/llm/tokenizer"
	"github.com/entrhq/conductor/pkg/logging"
	"github.com/entrhq/conductor/pkg/types"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("context")
	if err != nil {
		// Logger fell back to stderr due to initialization failure
		debugLog.Warnf("Failed to initialize context logger, using stderr fallback: %v", err)
	}
}

const (
	// DefaultThreshold is the share of the token limit that triggers compression.
	DefaultThreshold = 0.7
	// DefaultPreserveFraction is the share of the history kept verbatim.
	DefaultPreserveFraction = 0.3
)

// Generator produces the summary. llm.Provider satisfies it; the client
// passes a retrying wrapper.
type Generator interface {
	GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Request describes one compression attempt.
type Request struct {
	History []*types.Message
	Model   string
	// SummaryModel overrides Model for the summary call.
	SummaryModel string
	PromptID     string
	// OriginalTokens is the prompt token count last reported by the endpoint.
	// Zero means unknown and the estimator is used instead.
	OriginalTokens int
	// TokenLimit overrides the catalog limit of Model when positive.
	TokenLimit int
	Force      bool
	// HasFailedBefore is set once an unforced attempt inflated the history.
	HasFailedBefore bool
}

// Result is the outcome of Compress. History is non-nil only when the
// status is COMPRESSED and the caller should commit it.
type Result struct {
	History []*types.Message
	Info    types.ChatCompressionInfo
}

// Compressor summarizes the oldest part of a history.
type Compressor struct {
	generator        Generator
	estimator        tokenizer.Estimator
	threshold        float64
	preserveFraction float64
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithThreshold sets the trigger share of the token limit.
func WithThreshold(f float64) Option {
	return func(c *Compressor) {
		if f > 0 && f <= 1 {
			c.threshold = f
		}
	}
}

// WithPreserveFraction sets the share of the history kept verbatim.
func WithPreserveFraction(f float64) Option {
	return func(c *Compressor) {
		if f > 0 && f < 1 {
			c.preserveFraction = f
		}
	}
}

// WithEstimator replaces the chars/4 estimator.
func WithEstimator(e tokenizer.Estimator) Option {
	return func(c *Compressor) {
		if e != nil {
			c.estimator = e
		}
	}
}

// NewCompressor creates a compressor that asks generator for summaries.
func NewCompressor(generator Generator, opts ...Option) *Compressor {
	c := &Compressor{
		generator:        generator,
		estimator:        tokenizer.CharEstimator{},
		threshold:        DefaultThreshold,
		preserveFraction: DefaultPreserveFraction,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the trigger share of the token limit.
func (c *Compressor) Threshold() float64 {
	return c.threshold
}

// Compress summarizes req.History when it is over threshold or when forced.
// The input history is never modified.
func (c *Compressor) Compress(ctx context.Context, req Request) (*Result, error) {
	noop := func(original int) *Result {
		return &Result{Info: types.ChatCompressionInfo{
			Status:             types.CompressionNoop,
			OriginalTokenCount: original,
			NewTokenCount:      original,
		}}
	}

	if len(req.History) == 0 || (req.HasFailedBefore && !req.Force) {
		return noop(0), nil
	}

	original := req.OriginalTokens
	if original <= 0 {
		original = c.estimator.CountMessages(req.History)
	}

	if !req.Force {
		limit := req.TokenLimit
		if limit <= 0 {
			limit = llm.TokenLimit(req.Model)
		}
		if float64(original) < c.threshold*float64(limit) {
			return noop(original), nil
		}
	}

	split := FindCompressSplitPoint(req.History, 1-c.preserveFraction)
	if split == 0 {
		debugLog.Debugf("No safe split point in %d messages, skipping compression", len(req.History))
		return noop(original), nil
	}
	toCompress := req.History[:split]
	toKeep := req.History[split:]

	model := req.SummaryModel
	if model == "" {
		model = req.Model
	}
	contents := types.CloneHistory(toCompress)
	contents = append(contents, types.NewUserMessage(prompts.CompressionInstruction))

	debugLog.Debugf("Compressing %d of %d messages for prompt %s with %s", split, len(req.History), req.PromptID, model)
	resp, err := c.generator.GenerateContent(ctx, &llm.Request{
		Model:             model,
		SystemInstruction: prompts.CompressionSystemPrompt,
		Contents:          contents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate history summary: %w", err)
	}

	rebuilt := make([]*types.Message, 0, len(toKeep)+2)
	rebuilt = append(rebuilt,
		types.NewUserMessage(resp.Text()),
		types.NewModelMessage(prompts.CompressionAck),
	)
	rebuilt = append(rebuilt, types.CloneHistory(toKeep)...)

	newCount := c.estimator.CountMessages(rebuilt)
	if newCount > original {
		debugLog.Warnf("Compression inflated history from %d to %d tokens, keeping original", original, newCount)
		return &Result{Info: types.ChatCompressionInfo{
			Status:             types.CompressionFailedInflatedTokenCnt,
			OriginalTokenCount: original,
			NewTokenCount:      newCount,
		}}, nil
	}

	debugLog.Infof("Compressed history from %d to %d tokens", original, newCount)
	return &Result{
		History: rebuilt,
		Info: types.ChatCompressionInfo{
			Status:             types.CompressionCompressed,
			OriginalTokenCount: original,
			NewTokenCount:      newCount,
		},
	}, nil
}

// FindCompressSplitPoint returns the index of the first message to keep when
// compressing roughly fraction of contents by serialized length. Only user
// messages without tool responses are split candidates, so a tool call is
// never separated from its response. It panics unless 0 < fraction < 1.
func FindCompressSplitPoint(contents []*types.Message, fraction float64) int {
	if fraction <= 0 || fraction >= 1 {
		panic(fmt.Sprintf("compress fraction must be between 0 and 1, got %v", fraction))
	}
	if len(contents) == 0 {
		return 0
	}

	lengths := make([]int, len(contents))
	total := 0
	for i, m := range contents {
		lengths[i] = m.SerializedLength()
		total += lengths[i]
	}
	target := fraction * float64(total)

	lastSplit := 0
	cumulative := 0
	for i, m := range contents {
		if m.Role == types.RoleUser && !m.HasFunctionResponse() {
			if float64(cumulative) >= target {
				return i
			}
			lastSplit = i
		}
		cumulative += lengths[i]
	}

	last := contents[len(contents)-1]
	if last.Role == types.RoleModel && !last.HasFunctionCall() {
		return len(contents)
	}
	return lastSplit
}
