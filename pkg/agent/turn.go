package agent

import (
	"context"
	"errors"

	"github.com/entrhq/conductor/pkg/types"
)

// Turn is one model invocation. It translates the chat stream into agent
// events and collects the tool calls the model asked for.
type Turn struct {
	chat     *Chat
	promptID string

	// Written by the Run goroutine and safe to read once its channel closes.
	pendingToolCalls []types.ToolCallRequest
	finishReason     string
	err              error
}

// NewTurn creates a turn bound to chat.
func NewTurn(chat *Chat, promptID string) *Turn {
	return &Turn{chat: chat, promptID: promptID}
}

// PendingToolCalls returns the tool calls requested during the turn.
func (t *Turn) PendingToolCalls() []types.ToolCallRequest {
	return t.pendingToolCalls
}

// FinishReason returns the finish reason reported by the model.
func (t *Turn) FinishReason() string {
	return t.finishReason
}

// Err returns the error that ended the turn, if any.
func (t *Turn) Err() error {
	return t.err
}

// Run sends msg with model and streams the resulting events. On a stream
// error it emits a single error (or user_cancelled) event and stops; it never
// retries on its own.
func (t *Turn) Run(ctx context.Context, model string, msg *types.Message) <-chan *types.AgentEvent {
	out := make(chan *types.AgentEvent)
	go func() {
		defer close(out)

		stream, err := t.chat.SendMessageStream(ctx, model, msg, t.promptID)
		if err != nil {
			t.err = err
			out <- types.NewErrorEvent(err)
			return
		}

		for ev := range stream {
			if ev.Retry != nil {
				out <- types.NewRetryEvent(ev.Retry.Attempt, ev.Retry.Delay, ev.Retry.Error)
				continue
			}
			chunk := ev.Chunk
			if chunk == nil {
				continue
			}

			if chunk.IsError() {
				t.err = chunk.Error
				if ctx.Err() != nil || errors.Is(chunk.Error, context.Canceled) {
					out <- types.NewUserCancelledEvent()
				} else {
					out <- types.NewErrorEvent(chunk.Error)
				}
				continue
			}
			if chunk.Thought != "" {
				out <- types.NewThoughtEvent(chunk.Thought)
			}
			if chunk.Text != "" {
				out <- types.NewContentDeltaEvent(chunk.Text)
			}
			if call := chunk.ToolCall; call != nil {
				req := types.ToolCallRequest{
					CallID:   call.ID,
					Name:     call.Name,
					Args:     call.Args,
					PromptID: t.promptID,
				}
				t.pendingToolCalls = append(t.pendingToolCalls, req)
				out <- types.NewToolCallRequestEvent(&req)
			}
			if chunk.IsFinished() {
				t.finishReason = chunk.FinishReason
				out <- types.NewFinishedEvent(chunk.FinishReason)
			}
		}

		if t.err == nil && ctx.Err() != nil {
			t.err = ctx.Err()
			out <- types.NewUserCancelledEvent()
		}
	}()
	return out
}
