package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

func modelCalls(ids ...string) *types.Message {
	m := &types.Message{Role: types.RoleModel}
	for _, id := range ids {
		m.Parts = append(m.Parts, types.NewFunctionCallPart(id, "echo", nil))
	}
	return m
}

func responses(ids ...string) *types.Message {
	parts := make([]types.Part, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, types.NewFunctionResponsePart(id, "echo", map[string]any{"output": "ok"}))
	}
	return types.NewUserPartsMessage(parts...)
}

func TestCheckPairing(t *testing.T) {
	withCalls := []*types.Message{types.NewUserMessage("go"), modelCalls("a", "b")}

	tests := []struct {
		name    string
		history []*types.Message
		next    *types.Message
		wantErr bool
	}{
		{"plain text after text", []*types.Message{types.NewUserMessage("hi")}, types.NewUserMessage("again"), false},
		{"all responses", withCalls, responses("a", "b"), false},
		{"responses in any order", withCalls, responses("b", "a"), false},
		{"text while calls pending", withCalls, types.NewUserMessage("hello?"), true},
		{"missing response", withCalls, responses("a"), true},
		{"unknown response id", withCalls, responses("a", "c"), true},
		{"response without call", []*types.Message{types.NewModelMessage("hi")}, responses("a"), true},
		{"nil message", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPairing(tt.history, tt.next)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrHistoryInvariant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCurate(t *testing.T) {
	history := []*types.Message{
		types.NewUserMessage("first"),
		{Role: types.RoleModel},
		types.NewUserMessage("second"),
		types.NewModelMessage("answer"),
	}
	curated := curate(history)
	require.Len(t, curated, 2)
	assert.Equal(t, "second", curated[0].Text())
	assert.Equal(t, "answer", curated[1].Text())
}

func TestAccountedHistoryDropsContinuations(t *testing.T) {
	editor := syntheticUserMessage("Active file: main.go")
	chat := NewChat(nil, nil, "", nil, nil,
		types.NewUserMessage("start"),
		types.NewModelMessage("working on it"),
		continuationMessage(),
		types.NewModelMessage("still working"),
		editor,
		types.NewModelMessage("done"),
	)

	assert.Len(t, chat.History(true), 6, "the model still sees continuation prompts")

	accounted := chat.AccountedHistory()
	require.Len(t, accounted, 5)
	for _, m := range accounted {
		assert.False(t, isContinuation(m))
	}
	assert.Equal(t, "Active file: main.go", accounted[3].Text())
	assert.True(t, isSynthetic(accounted[3]))
}

func TestChatCommitsResponseAfterStream(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return []*llm.StreamChunk{
			{Thought: "thinking"},
			{Text: "Hel"},
			{Text: "lo"},
			{ToolCall: &types.FunctionCall{Name: "echo", Args: map[string]any{"x": 1}}},
			{FinishReason: llm.FinishReasonToolCalls, Usage: &llm.Usage{PromptTokens: 7}},
		}, nil
	}}
	chat := NewChat(p, fastRetry(), "sys", nil, telemetry.Nop{})

	stream, err := chat.SendMessageStream(context.Background(), "gpt-4.1", types.NewUserMessage("hi"), "p1")
	require.NoError(t, err)

	var generatedID string
	for ev := range stream {
		require.NotNil(t, ev.Chunk)
		if ev.Chunk.ToolCall != nil {
			generatedID = ev.Chunk.ToolCall.ID
		}
	}

	history := chat.History(false)
	require.Len(t, history, 2)
	model := history[1]
	assert.Equal(t, "Hello", model.Text())
	calls := model.FunctionCalls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, generatedID)
	assert.Equal(t, generatedID, calls[0].ID)
	assert.Equal(t, 7, chat.LastPromptTokens())

	req := p.streamRequests()[0]
	assert.Equal(t, "sys", req.SystemInstruction)
	require.Len(t, req.Contents, 1)
}

func TestChatEmptyResponseIsMalformed(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return []*llm.StreamChunk{{FinishReason: llm.FinishReasonStop}}, nil
	}}
	sink := &recordingSink{}
	chat := NewChat(p, fastRetry(), "", nil, sink)

	stream, err := chat.SendMessageStream(context.Background(), "m", types.NewUserMessage("hi"), "p1")
	require.NoError(t, err)

	var last *llm.StreamChunk
	for ev := range stream {
		last = ev.Chunk
	}
	require.NotNil(t, last)
	var malformed *llm.MalformedOutputError
	assert.ErrorAs(t, last.Error, &malformed)
	assert.Len(t, chat.History(false), 1)
	assert.Equal(t, 1, sink.count(telemetry.EventMalformedOutput))
}

func TestChatRejectsBrokenPairingBeforeSending(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("unused"), nil
	}}
	chat := NewChat(p, fastRetry(), "", nil, nil, types.NewUserMessage("go"), modelCalls("a"))

	_, err := chat.SendMessageStream(context.Background(), "m", types.NewUserMessage("next"), "p1")
	assert.ErrorIs(t, err, ErrHistoryInvariant)
	assert.Empty(t, p.streamRequests())
	assert.Len(t, chat.History(false), 2)
}
