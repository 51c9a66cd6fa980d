package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/agent/ide"
	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/agent/routing"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

type countingRouter struct {
	model string
	calls atomic.Int32
}

func (r *countingRouter) Name() string { return "counting" }

func (r *countingRouter) Route(context.Context, *routing.Context) (*routing.Decision, error) {
	r.calls.Add(1)
	return &routing.Decision{Model: r.model, Source: r.Name()}, nil
}

func newTestClient(t *testing.T, p *scriptedProvider, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(p, cfg)
	require.NoError(t, err)
	return c
}

func jsonResponse(text string) *llm.Response {
	return &llm.Response{Message: types.NewModelMessage(text), FinishReason: llm.FinishReasonStop}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, testConfig())
	assert.Error(t, err)

	_, err = NewClient(&scriptedProvider{}, Config{Model: routing.AutoModel})
	assert.Error(t, err)

	_, err = NewClient(&scriptedProvider{}, Config{Model: routing.AutoModel, DefaultModel: "gpt-4.1"})
	assert.NoError(t, err)
}

func TestClientTextTurn(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("Hi there"), nil
	}}
	c := newTestClient(t, p, testConfig())

	s := c.SendMessageStream(context.Background(), types.NewUserMessage("hello"), "p1", 0)
	events := collect(t, s)

	require.NoError(t, s.Err())
	assert.True(t, s.Completed())
	assert.Empty(t, s.Turn().PendingToolCalls())
	assert.Len(t, ofType(events, types.EventTypeContentDelta), 1)
	finished := ofType(events, types.EventTypeFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, llm.FinishReasonStop, finished[0].Content)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Hi there", history[1].Text())

	info := c.ContextInfo()
	assert.Equal(t, 42, info.LastPromptTokens)
	assert.Equal(t, "gpt-4.1", info.LockedModel)
	assert.Equal(t, "p1", info.PromptID)
	assert.Equal(t, 1, info.SessionTurns)
}

func TestClientToolCallSequence(t *testing.T) {
	p := &scriptedProvider{respond: func(n int, _ *llm.Request) ([]*llm.StreamChunk, error) {
		if n == 0 {
			return callReply(
				&types.FunctionCall{ID: "c1", Name: "echo", Args: map[string]any{"v": 1}},
				&types.FunctionCall{ID: "c2", Name: "echo", Args: map[string]any{"v": 2}},
				&types.FunctionCall{ID: "c3", Name: "echo", Args: map[string]any{"v": 3}},
			), nil
		}
		return textReply("done"), nil
	}}
	c := newTestClient(t, p, testConfig())

	s := c.SendMessageStream(context.Background(), types.NewUserMessage("run it"), "p1", 0)
	events := collect(t, s)
	require.True(t, s.Completed())

	calls := s.Turn().PendingToolCalls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, "p1", call.PromptID)
	}
	assert.Len(t, ofType(events, types.EventTypeToolCallRequest), 3)

	t.Run("partial responses break the invariant", func(t *testing.T) {
		s := c.SendMessageStream(context.Background(), responses("c1", "c2"), "p1", 0)
		events := collect(t, s)
		assert.ErrorIs(t, s.Err(), ErrHistoryInvariant)
		assert.False(t, s.Completed())
		assert.Len(t, ofType(events, types.EventTypeError), 1)
		assert.Len(t, c.History(), 2)
	})

	t.Run("full responses continue the sequence", func(t *testing.T) {
		s := c.SendMessageStream(context.Background(), responses("c3", "c1", "c2"), "p1", 0)
		collect(t, s)
		require.NoError(t, s.Err())
		assert.True(t, s.Completed())

		history := c.History()
		require.Len(t, history, 4)
		assert.Len(t, history[2].FunctionResponses(), 3)
		assert.Equal(t, "done", history[3].Text())
	})
}

func TestClientLocksModelPerPrompt(t *testing.T) {
	p := &scriptedProvider{respond: func(n int, _ *llm.Request) ([]*llm.StreamChunk, error) {
		if n == 0 {
			return callReply(&types.FunctionCall{ID: "c1", Name: "echo"}), nil
		}
		return textReply("ok"), nil
	}}
	router := &countingRouter{model: "routed-model"}
	cfg := testConfig()
	cfg.Router = router
	c := newTestClient(t, p, cfg)

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("go"), "p1", 0))
	collect(t, c.SendMessageStream(context.Background(), responses("c1"), "p1", 0))
	assert.Equal(t, int32(1), router.calls.Load())

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("again"), "p2", 0))
	assert.Equal(t, int32(2), router.calls.Load())

	for _, req := range p.streamRequests() {
		assert.Equal(t, "routed-model", req.Model)
	}
}

func TestClientFallsBackOnPersistentRateLimit(t *testing.T) {
	p := &scriptedProvider{respond: func(_ int, req *llm.Request) ([]*llm.StreamChunk, error) {
		if req.Model == "primary" {
			return nil, llm.ErrorFromStatusCode("scripted", 429, "", "slow down", 0, nil)
		}
		return textReply("from fallback"), nil
	}}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Model = "primary"
	cfg.FallbackModel = "fallback"
	cfg.Sink = sink
	c := newTestClient(t, p, cfg)

	s := c.SendMessageStream(context.Background(), types.NewUserMessage("hi"), "p1", 0)
	events := collect(t, s)

	require.True(t, s.Completed())
	fallback := ofType(events, types.EventTypeModelFallback)
	require.Len(t, fallback, 1)
	assert.Equal(t, "primary", fallback[0].Fallback.From)
	assert.Equal(t, "fallback", fallback[0].Fallback.To)
	assert.NotEmpty(t, ofType(events, types.EventTypeRetry))
	assert.True(t, c.InFallback())
	assert.Equal(t, "fallback", c.LockedModel())
	assert.Equal(t, 1, sink.count(telemetry.EventModelFallback))

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("next"), "p2", 0))
	reqs := p.streamRequests()
	assert.Equal(t, "fallback", reqs[len(reqs)-1].Model)
}

func TestClientNextSpeakerContinuation(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("working on it"), nil
	}}
	p.On("GenerateContent", mock.Anything, mock.Anything).
		Return(jsonResponse(`{"reasoning": "unfinished", "next_speaker": "model"}`), nil).Once()
	p.On("GenerateContent", mock.Anything, mock.Anything).
		Return(jsonResponse(`{"reasoning": "done", "next_speaker": "user"}`), nil).Once()

	cfg := testConfig()
	cfg.SkipNextSpeakerCheck = false
	c := newTestClient(t, p, cfg)

	s := c.SendMessageStream(context.Background(), types.NewUserMessage("start"), "p1", 0)
	collect(t, s)

	reqs := p.streamRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Contents[len(reqs[1].Contents)-1]
	assert.Equal(t, prompts.ContinuationPrompt, last.Text())
	assert.True(t, isSynthetic(last))
	assert.True(t, isContinuation(last))

	for _, m := range c.Chat().AccountedHistory() {
		assert.NotEqual(t, prompts.ContinuationPrompt, m.Text())
	}
	assert.Equal(t, 3, c.ContextInfo().MessageCount)
	p.AssertExpectations(t)
}

func TestClientTurnBudget(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("more"), nil
	}}
	p.On("GenerateContent", mock.Anything, mock.Anything).
		Return(jsonResponse(`{"reasoning": "x", "next_speaker": "model"}`), nil)

	cfg := testConfig()
	cfg.SkipNextSpeakerCheck = false
	c := newTestClient(t, p, cfg)

	events := collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("start"), "p1", 2))
	assert.Len(t, p.streamRequests(), 2)
	assert.Len(t, ofType(events, types.EventTypeMaxTurns), 1)
}

func TestClientSpentTurnBudget(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("ok"), nil
	}}
	c := newTestClient(t, p, testConfig())

	events := collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("start"), "p1", -1))
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTypeMaxTurns, events[0].Type)
	assert.Empty(t, p.streamRequests())
	assert.Empty(t, c.History())

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("start"), "p1", 0))
	assert.Len(t, p.streamRequests(), 1, "zero selects the default budget")
}

func TestClientStopsWhenHostStopsReading(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		chunks := make([]*llm.StreamChunk, 0, 21)
		for i := 0; i < 20; i++ {
			chunks = append(chunks, &llm.StreamChunk{Text: fmt.Sprintf("chunk %d. ", i)})
		}
		return append(chunks, &llm.StreamChunk{FinishReason: llm.FinishReasonStop}), nil
	}}
	c := newTestClient(t, p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	s := c.SendMessageStream(ctx, types.NewUserMessage("start"), "p1", 0)
	select {
	case <-s.Events():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no event")
	}
	cancel()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.notify == nil
	}, 5*time.Second, 10*time.Millisecond, "the sequence must end without a reader")
}

func TestClientSessionTurnCeiling(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("ok"), nil
	}}
	cfg := testConfig()
	cfg.MaxSessionTurns = 1
	c := newTestClient(t, p, cfg)

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("one"), "p1", 0))
	events := collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("two"), "p2", 0))

	assert.Len(t, ofType(events, types.EventTypeMaxSessionTurns), 1)
	assert.Len(t, p.streamRequests(), 1)

	c.ResetChat()
	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("three"), "p3", 0))
	assert.Len(t, p.streamRequests(), 2)
}

func TestClientContextOverflow(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("unused"), nil
	}}
	cfg := testConfig()
	cfg.TokenLimit = 100
	c := newTestClient(t, p, cfg)

	s := c.SendMessageStream(context.Background(), types.NewUserMessage(strings.Repeat("x", 1000)), "p1", 0)
	events := collect(t, s)

	overflow := ofType(events, types.EventTypeContextWindowWillOverflow)
	require.Len(t, overflow, 1)
	assert.Equal(t, 100, overflow[0].Overflow.RemainingTokens)
	assert.Greater(t, overflow[0].Overflow.EstimatedTokens, 95)
	assert.Empty(t, p.streamRequests())
	assert.Empty(t, c.History())
}

func TestClientAbortsOnToolCallLoop(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		calls := make([]*types.FunctionCall, 0, 5)
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			calls = append(calls, &types.FunctionCall{ID: id, Name: "read_file", Args: map[string]any{"path": "main.go"}})
		}
		return callReply(calls...), nil
	}}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Sink = sink
	c := newTestClient(t, p, cfg)

	s := c.SendMessageStream(context.Background(), types.NewUserMessage("read it"), "p1", 0)
	events := collect(t, s)

	assert.False(t, s.Completed())
	loops := ofType(events, types.EventTypeLoopDetected)
	require.Len(t, loops, 1)
	assert.NotEmpty(t, loops[0].Content)
	assert.Len(t, ofType(events, types.EventTypeToolCallRequest), 4)
	assert.Equal(t, 1, sink.count(telemetry.EventLoopDetected))
}

func TestClientInjectsEditorContext(t *testing.T) {
	p := &scriptedProvider{respond: func(int, *llm.Request) ([]*llm.StreamChunk, error) {
		return textReply("ok"), nil
	}}
	cfg := testConfig()
	cfg.IDE = ide.SourceFunc(func() *ide.Context {
		return &ide.Context{OpenFiles: []ide.File{{Path: "/src/main.go", IsActive: true, Timestamp: 1}}}
	})
	c := newTestClient(t, p, cfg)

	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("hi"), "p1", 0))
	collect(t, c.SendMessageStream(context.Background(), types.NewUserMessage("again"), "p2", 0))

	reqs := p.streamRequests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Contents, 2)
	assert.Contains(t, reqs[0].Contents[0].Text(), "/src/main.go")
	assert.True(t, isSynthetic(reqs[0].Contents[0]))
	// Unchanged editor state adds nothing on the next request.
	assert.Len(t, reqs[1].Contents, 4)
}

func TestTryCompressChatForced(t *testing.T) {
	p := &scriptedProvider{}
	p.On("GenerateContent", mock.Anything, mock.MatchedBy(func(r *llm.Request) bool {
		return r.SystemInstruction == prompts.CompressionSystemPrompt
	})).Return(jsonResponse("<state_snapshot>short</state_snapshot>"), nil).Once()

	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Sink = sink
	c := newTestClient(t, p, cfg)
	for i := 0; i < 2; i++ {
		require.NoError(t, c.AddHistory(types.NewUserMessage(strings.Repeat("question ", 50))))
		require.NoError(t, c.AddHistory(types.NewModelMessage(strings.Repeat("answer ", 50))))
	}

	info, err := c.TryCompressChat(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionCompressed, info.Status)
	assert.Less(t, info.NewTokenCount, info.OriginalTokenCount)

	history := c.History()
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Text(), "state_snapshot")
	assert.Equal(t, prompts.CompressionAck, history[1].Text())
	assert.Equal(t, info.NewTokenCount, c.ContextInfo().LastPromptTokens)
	assert.Equal(t, 1, sink.count(telemetry.EventChatCompression))
	p.AssertExpectations(t)
}

func TestTryCompressChatBelowThreshold(t *testing.T) {
	p := &scriptedProvider{}
	c := newTestClient(t, p, testConfig())
	require.NoError(t, c.AddHistory(types.NewUserMessage("short")))

	info, err := c.TryCompressChat(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionNoop, info.Status)
	p.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything)
}

func TestGenerateJSON(t *testing.T) {
	t.Run("fenced object", func(t *testing.T) {
		p := &scriptedProvider{}
		p.On("GenerateContent", mock.Anything, mock.MatchedBy(func(r *llm.Request) bool {
			return r.Config.ResponseJSON && r.Model == "gpt-4.1"
		})).Return(jsonResponse("```json\n{\"answer\": 42}\n```"), nil)
		c := newTestClient(t, p, testConfig())

		out, err := c.GenerateJSON(context.Background(), &llm.Request{})
		require.NoError(t, err)
		assert.Equal(t, float64(42), out["answer"])
	})

	t.Run("malformed output", func(t *testing.T) {
		p := &scriptedProvider{}
		p.On("GenerateContent", mock.Anything, mock.Anything).Return(jsonResponse("not json at all"), nil)
		sink := &recordingSink{}
		cfg := testConfig()
		cfg.Sink = sink
		c := newTestClient(t, p, cfg)

		_, err := c.GenerateJSON(context.Background(), &llm.Request{Model: "m"})
		var malformed *llm.MalformedOutputError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "not json at all", malformed.Raw)
		assert.Equal(t, 1, sink.count(telemetry.EventMalformedOutput))
	})
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripCodeFence(tt.in))
	}
}
