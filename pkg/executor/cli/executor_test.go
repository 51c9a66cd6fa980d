package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/agent"
	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/types"
)

// fakeAgent answers inputs with scripted events.
type fakeAgent struct {
	channels *types.AgentChannels
	script   func(in *types.Input, emit func(*types.AgentEvent))

	mu     sync.Mutex
	inputs []*types.Input
}

func newFakeAgent(script func(in *types.Input, emit func(*types.AgentEvent))) *fakeAgent {
	return &fakeAgent{channels: types.NewAgentChannels(16), script: script}
}

func (f *fakeAgent) Start(ctx context.Context) error {
	go func() {
		defer f.channels.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.channels.Shutdown:
				for {
					select {
					case in := <-f.channels.Input:
						f.record(in)
					default:
						return
					}
				}
			case in := <-f.channels.Input:
				f.record(in)
				f.script(in, func(ev *types.AgentEvent) { f.channels.Event <- ev })
			}
		}
	}()
	return nil
}

func (f *fakeAgent) record(in *types.Input) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
}

func (f *fakeAgent) recorded() []*types.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Input(nil), f.inputs...)
}

func (f *fakeAgent) Shutdown(ctx context.Context) error {
	close(f.channels.Shutdown)
	select {
	case <-f.channels.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAgent) GetChannels() *types.AgentChannels { return f.channels }

func (f *fakeAgent) GetContextInfo() agent.ContextInfo {
	return agent.ContextInfo{Model: "gpt-4.1", MessageCount: 2, EstimatedTokens: 10}
}

func run(t *testing.T, ag *fakeAgent, input string) string {
	t.Helper()
	var out bytes.Buffer
	ex := NewExecutor(ag, WithReader(strings.NewReader(input)), WithWriter(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Run(ctx))
	return out.String()
}

func TestExecutorTextTurn(t *testing.T) {
	ag := newFakeAgent(func(in *types.Input, emit func(*types.AgentEvent)) {
		if in.IsUserInput() {
			emit(types.NewThoughtEvent("pondering"))
			emit(types.NewContentDeltaEvent("Hi "))
			emit(types.NewContentDeltaEvent("there"))
			emit(types.NewTurnEndEvent())
		}
	})

	out := run(t, ag, "hello\nexit\n")

	assert.Contains(t, out, "pondering")
	assert.Contains(t, out, "Assistant:\nHi there\n")
	assert.Contains(t, out, "gpt-4.1 · 2 messages")
	inputs := ag.recorded()
	require.Len(t, inputs, 1)
	assert.Equal(t, "hello", inputs[0].Content)
}

func TestExecutorHidesThinking(t *testing.T) {
	ag := newFakeAgent(func(in *types.Input, emit func(*types.AgentEvent)) {
		emit(types.NewThoughtEvent("secret musing"))
		emit(types.NewContentDeltaEvent("answer"))
		emit(types.NewTurnEndEvent())
	})

	var out bytes.Buffer
	ex := NewExecutor(ag, WithReader(strings.NewReader("hi\n")), WithWriter(&out), WithShowThinking(false))
	require.NoError(t, ex.Run(context.Background()))

	assert.NotContains(t, out.String(), "secret musing")
	assert.Contains(t, out.String(), "answer")
}

func TestExecutorAnswersApproval(t *testing.T) {
	ag := newFakeAgent(func(in *types.Input, emit func(*types.AgentEvent)) {
		switch {
		case in.IsUserInput():
			emit(types.NewToolCallRequestEvent(&types.ToolCallRequest{CallID: "c1", Name: "write_file", Args: map[string]any{"path": "a.txt"}}))
			emit(types.NewToolApprovalRequestEvent(&types.ApprovalRequest{
				CallID:   "c1",
				ToolName: "write_file",
				Risk:     string(tools.RiskEdit),
				Preview:  &tools.Preview{Type: tools.PreviewTypeDiff, Title: "Overwrite a.txt", Content: "--- a/a.txt\n+++ b/a.txt\n-old\n+new\n"},
			}))
		case in.IsApproval():
			emit(types.NewToolCallResponseEvent(&types.ToolCallResponse{CallID: "c1", Name: "write_file", Status: types.ToolCallSuccess, Display: "written"}))
			emit(types.NewTurnEndEvent())
		}
	})

	out := run(t, ag, "edit it\nmaybe\ny\nexit\n")

	assert.Contains(t, out, "🔧 Tool: write_file path=a.txt")
	assert.Contains(t, out, "+new")
	assert.Contains(t, out, "risk: edit")
	assert.Equal(t, 2, strings.Count(out, "Approve?"), "unrecognised answers re-prompt")
	assert.Contains(t, out, "✅ write_file: written")

	inputs := ag.recorded()
	require.Len(t, inputs, 2)
	assert.True(t, inputs[1].IsApproval())
	assert.Equal(t, "c1", inputs[1].CallID)
	assert.Equal(t, "proceed_once", inputs[1].Outcome)
}

func TestExecutorCancelsApprovalAtEndOfInput(t *testing.T) {
	ag := newFakeAgent(func(in *types.Input, emit func(*types.AgentEvent)) {
		switch {
		case in.IsUserInput():
			emit(types.NewToolApprovalRequestEvent(&types.ApprovalRequest{CallID: "c1", ToolName: "run_command", Args: map[string]any{"command": "rm -rf build"}}))
		case in.IsApproval():
			emit(types.NewToolCallResponseEvent(&types.ToolCallResponse{CallID: "c1", Name: "run_command", Status: types.ToolCallCancelled}))
			emit(types.NewTurnEndEvent())
		}
	})

	out := run(t, ag, "clean up\n")

	assert.Contains(t, out, "command=rm -rf build")
	assert.Contains(t, out, "run_command cancelled")
	inputs := ag.recorded()
	require.Len(t, inputs, 2)
	assert.Equal(t, "cancel", inputs[1].Outcome)
}

func TestExecutorCommands(t *testing.T) {
	ag := newFakeAgent(func(in *types.Input, emit func(*types.AgentEvent)) {
		if in.IsCompress() {
			emit(types.NewCompressionEvent(&types.ChatCompressionInfo{Status: types.CompressionCompressed, OriginalTokenCount: 900, NewTokenCount: 200}))
			emit(types.NewTurnEndEvent())
		}
	})

	out := run(t, ag, "/mode reckless\n/mode yolo\n/compress\nquit\n")

	assert.Contains(t, out, `unknown approval mode "reckless"`)
	assert.Contains(t, out, "Approval mode set to yolo")
	assert.Contains(t, out, "900 → 200 tokens")

	inputs := ag.recorded()
	require.Len(t, inputs, 2)
	assert.True(t, inputs[0].IsApprovalMode())
	assert.Equal(t, "yolo", inputs[0].Content)
	assert.True(t, inputs[1].IsCompress())
}

func TestExecutorRendersTerminalEvents(t *testing.T) {
	var out bytes.Buffer
	ex := NewExecutor(newFakeAgent(nil), WithWriter(&out))

	assert.False(t, ex.handleEvent(types.NewLoopDetectedEvent("consecutive_identical_tool_calls")))
	assert.False(t, ex.handleEvent(types.NewContextWindowWillOverflowEvent(500, 100)))
	assert.False(t, ex.handleEvent(types.NewModelFallbackEvent("pro", "flash")))
	assert.False(t, ex.handleEvent(types.NewErrorEvent(errors.New("boom"))))
	assert.True(t, ex.handleEvent(types.NewTurnEndEvent()))

	s := out.String()
	assert.Contains(t, s, "consecutive_identical_tool_calls")
	assert.Contains(t, s, "~500 tokens does not fit the 100 tokens left")
	assert.Contains(t, s, "Switched from pro to flash")
	assert.Contains(t, s, "❌ Error: boom")
}

func TestNextApprovalSkipsStaleRequests(t *testing.T) {
	ex := NewExecutor(newFakeAgent(nil), WithWriter(&bytes.Buffer{}))

	for _, id := range []string{"c1", "c2", "c3"} {
		ex.handleEvent(types.NewToolApprovalRequestEvent(&types.ApprovalRequest{CallID: id}))
	}
	ex.handleEvent(types.NewToolCallResponseEvent(&types.ToolCallResponse{CallID: "c1", Status: types.ToolCallCancelled}))
	ex.handleEvent(types.NewToolCallsUpdateEvent([]types.ToolCallSnapshot{
		{CallID: "c2", Status: types.ToolCallAwaitingApproval},
		{CallID: "c3", Status: types.ToolCallExecuting},
	}))

	req := ex.nextApproval()
	require.NotNil(t, req)
	assert.Equal(t, "c2", req.CallID)
	assert.Nil(t, ex.nextApproval())
}

func TestFormatArgs(t *testing.T) {
	assert.Empty(t, formatArgs(nil))
	assert.Equal(t, " a=1 b=x⏎y", formatArgs(map[string]any{"b": "x\ny", "a": 1}))

	long := formatArgs(map[string]any{"content": strings.Repeat("z", 100)})
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.Len(t, []rune(long), len(" content=")+60)
}
