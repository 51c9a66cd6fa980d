package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

// ErrHistoryInvariant is returned when a message would break the pairing of
// tool calls and tool responses in history.
var ErrHistoryInvariant = errors.New("history invariant violated")

const (
	// metaSynthetic marks messages the runtime wrote on the user's behalf.
	metaSynthetic = "synthetic"

	// metaContinuation marks the prompt that asks the model to keep going.
	metaContinuation = "continuation"
)

// ChatEvent is one element of a Chat stream: a model chunk or a retry notice.
type ChatEvent struct {
	Chunk *llm.StreamChunk
	Retry *types.RetryInfo
}

// Chat owns the conversation history and performs single model round trips.
// A model response is committed to history only once its stream completes.
type Chat struct {
	provider          llm.Provider
	retry             *llm.RetryPolicy
	sink              telemetry.Sink
	systemInstruction string
	tools             []llm.ToolDeclaration

	mu               sync.Mutex
	history          []*types.Message
	lastPromptTokens int
}

// NewChat creates a chat seeded with history.
func NewChat(provider llm.Provider, retry *llm.RetryPolicy, systemInstruction string, tools []llm.ToolDeclaration, sink telemetry.Sink, history ...*types.Message) *Chat {
	return &Chat{
		provider:          provider,
		retry:             retry,
		sink:              sink,
		systemInstruction: systemInstruction,
		tools:             tools,
		history:           types.CloneHistory(history),
	}
}

// History returns a copy of the history. Curated history drops model
// responses that are not valid content together with the input that
// produced them.
func (c *Chat) History(curated bool) []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if curated {
		return types.CloneHistory(curate(c.history))
	}
	return types.CloneHistory(c.history)
}

// AccountedHistory returns curated history without continuation prompts.
// Compression, token estimates and the next-speaker check read this view;
// editor context stays because the model acts on it.
func (c *Chat) AccountedHistory() []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CloneHistory(withoutContinuations(curate(c.history)))
}

// SetHistory replaces the history.
func (c *Chat) SetHistory(history []*types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = types.CloneHistory(history)
}

// AddHistory appends a message without sending it.
func (c *Chat) AddHistory(m *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkPairing(c.history, m); err != nil {
		return err
	}
	c.history = append(c.history, m.Clone())
	return nil
}

// LastMessage returns a copy of the last history entry, or nil.
func (c *Chat) LastMessage() *types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return nil
	}
	return c.history[len(c.history)-1].Clone()
}

// LastPromptTokens is the prompt size reported by the last completed call.
func (c *Chat) LastPromptTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPromptTokens
}

// SetLastPromptTokens overrides the last reported prompt size.
func (c *Chat) SetLastPromptTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPromptTokens = n
}

// SendMessageStream commits msg to history and streams the model's answer.
// The returned error is non-nil only when msg breaks the call/response
// pairing; transport failures arrive as a final chunk with Error set.
func (c *Chat) SendMessageStream(ctx context.Context, model string, msg *types.Message, promptID string) (<-chan ChatEvent, error) {
	c.mu.Lock()
	if err := checkPairing(c.history, msg); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.history = append(c.history, msg.Clone())
	contents := types.CloneHistory(curate(c.history))
	c.mu.Unlock()

	out := make(chan ChatEvent)
	go c.stream(ctx, model, contents, promptID, out)
	return out, nil
}

func (c *Chat) stream(ctx context.Context, model string, contents []*types.Message, promptID string, out chan<- ChatEvent) {
	defer close(out)

	send := func(ev ChatEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	policy := c.retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		agentDebugLog.Warnf("Model call failed (attempt %d), retrying in %s: %v", attempt, delay, err)
		send(ChatEvent{Retry: &types.RetryInfo{Attempt: attempt, Delay: delay, Error: err}})
	})

	start := time.Now()
	var used string
	chunks, err := llm.Do(ctx, policy, model, func(ctx context.Context, m string) (<-chan *llm.StreamChunk, error) {
		used = m
		return c.provider.GenerateContentStream(ctx, &llm.Request{
			Model:             m,
			SystemInstruction: c.systemInstruction,
			Tools:             c.tools,
			Contents:          contents,
		})
	})
	if err != nil {
		c.recordAPIError(used, promptID, err, start)
		send(ChatEvent{Chunk: &llm.StreamChunk{Error: err}})
		return
	}

	var (
		text     strings.Builder
		calls    []types.Part
		usage    *llm.Usage
		finished string
	)
	for chunk := range chunks {
		if chunk.IsError() {
			c.recordAPIError(used, promptID, chunk.Error, start)
			send(ChatEvent{Chunk: chunk})
			drain(chunks)
			return
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = fmt.Sprintf("%s-%s", call.Name, uuid.NewString())
			}
			cp := *chunk
			cp.ToolCall = &call
			chunk = &cp
			calls = append(calls, types.NewFunctionCallPart(call.ID, call.Name, call.Args))
		}
		text.WriteString(chunk.Text)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.IsFinished() {
			finished = chunk.FinishReason
		}
		if !send(ChatEvent{Chunk: chunk}) {
			drain(chunks)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	var parts []types.Part
	if t := text.String(); t != "" {
		parts = append(parts, types.NewTextPart(t))
	}
	parts = append(parts, calls...)
	if len(parts) == 0 {
		err := &llm.MalformedOutputError{Reason: fmt.Sprintf("empty model response (finish reason %q)", finished)}
		telemetry.SafeRecord(c.sink, telemetry.Event{
			Name:   telemetry.EventMalformedOutput,
			Model:  used,
			Status: "empty_response",
			Attrs:  map[string]any{"prompt_id": promptID},
		})
		send(ChatEvent{Chunk: &llm.StreamChunk{Error: err}})
		return
	}

	c.mu.Lock()
	c.history = append(c.history, &types.Message{Role: types.RoleModel, Parts: parts})
	if usage != nil && usage.PromptTokens > 0 {
		c.lastPromptTokens = usage.PromptTokens
	}
	c.mu.Unlock()

	telemetry.SafeRecord(c.sink, telemetry.Event{
		Name:     telemetry.EventAPIRequest,
		Model:    used,
		Status:   "ok",
		Duration: time.Since(start),
		Attrs:    map[string]any{"prompt_id": promptID, "finish_reason": finished},
	})
}

func (c *Chat) recordAPIError(model, promptID string, err error, start time.Time) {
	status := "error"
	if code := llm.StatusCode(err); code != 0 {
		status = fmt.Sprintf("%d", code)
	} else if errors.Is(err, context.Canceled) {
		status = "cancelled"
	}
	telemetry.SafeRecord(c.sink, telemetry.Event{
		Name:     telemetry.EventAPIError,
		Model:    model,
		Status:   status,
		Duration: time.Since(start),
		Attrs:    map[string]any{"prompt_id": promptID, "error": err.Error()},
	})
}

func drain(ch <-chan *llm.StreamChunk) {
	for range ch {
	}
}

// checkPairing verifies that next keeps every tool call in history paired
// with exactly one response, in the message right after it.
func checkPairing(history []*types.Message, next *types.Message) error {
	if next == nil {
		return fmt.Errorf("%w: nil message", ErrHistoryInvariant)
	}
	var pending []*types.FunctionCall
	if n := len(history); n > 0 && history[n-1].Role == types.RoleModel {
		pending = history[n-1].FunctionCalls()
	}
	responses := next.FunctionResponses()

	if len(pending) == 0 {
		if len(responses) > 0 {
			return fmt.Errorf("%w: %d tool responses without a preceding tool call", ErrHistoryInvariant, len(responses))
		}
		return nil
	}

	if next.Role != types.RoleUser || len(responses) != len(pending) {
		return fmt.Errorf("%w: %d tool calls answered by %d responses", ErrHistoryInvariant, len(pending), len(responses))
	}
	want := make(map[string]bool, len(pending))
	for _, call := range pending {
		want[call.ID] = true
	}
	for _, r := range responses {
		if !want[r.ID] {
			return fmt.Errorf("%w: response for unknown tool call %q", ErrHistoryInvariant, r.ID)
		}
		delete(want, r.ID)
	}
	return nil
}

// curate drops model turns that are not valid content, along with the user
// input that produced them.
func curate(history []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(history))
	for i := 0; i < len(history); {
		m := history[i]
		if m.Role == types.RoleUser {
			out = append(out, m)
			i++
			continue
		}

		j := i
		valid := true
		for j < len(history) && history[j].Role == types.RoleModel {
			if !history[j].IsValidContent() {
				valid = false
			}
			j++
		}
		if valid {
			out = append(out, history[i:j]...)
		} else if n := len(out); n > 0 && out[n-1].Role == types.RoleUser && !out[n-1].HasFunctionResponse() {
			out = out[:n-1]
		}
		i = j
	}
	return out
}

func withoutContinuations(history []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(history))
	for _, m := range history {
		if !isContinuation(m) {
			out = append(out, m)
		}
	}
	return out
}

func isContinuation(m *types.Message) bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[metaContinuation].(bool)
	return v
}

func isSynthetic(m *types.Message) bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[metaSynthetic].(bool)
	return v
}

func syntheticUserMessage(text string) *types.Message {
	m := types.NewUserMessage(text)
	m.Metadata = map[string]any{metaSynthetic: true}
	return m
}

func continuationMessage() *types.Message {
	m := syntheticUserMessage(continuationPrompt)
	m.Metadata[metaContinuation] = true
	return m
}
