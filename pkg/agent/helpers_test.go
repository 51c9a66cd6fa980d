package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

// scriptedProvider streams whatever respond returns for the n-th call and
// delegates GenerateContent to testify's mock.
type scriptedProvider struct {
	mock.Mock

	respond func(n int, req *llm.Request) ([]*llm.StreamChunk, error)

	mu       sync.Mutex
	requests []*llm.Request
}

func (p *scriptedProvider) GenerateContentStream(_ context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests) - 1
	p.mu.Unlock()

	chunks, err := p.respond(n, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	args := p.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) streamRequests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

func textReply(text string) []*llm.StreamChunk {
	return []*llm.StreamChunk{
		{Text: text},
		{FinishReason: llm.FinishReasonStop, Usage: &llm.Usage{PromptTokens: 42}},
	}
}

func callReply(calls ...*types.FunctionCall) []*llm.StreamChunk {
	chunks := make([]*llm.StreamChunk, 0, len(calls)+1)
	for _, c := range calls {
		chunks = append(chunks, &llm.StreamChunk{ToolCall: c})
	}
	return append(chunks, &llm.StreamChunk{FinishReason: llm.FinishReasonToolCalls})
}

func fastRetry() *llm.RetryPolicy {
	return &llm.RetryPolicy{
		MaxAttempts:                  5,
		InitialDelay:                 time.Millisecond,
		MaxDelay:                     2 * time.Millisecond,
		PersistentRateLimitThreshold: 3,
	}
}

func testConfig() Config {
	return Config{
		Model:                "gpt-4.1",
		Retry:                fastRetry(),
		SkipNextSpeakerCheck: true,
	}
}

// recordingSink keeps every telemetry event.
type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) Record(e telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(name telemetry.EventName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func collect(t *testing.T, s *Stream) []*types.AgentEvent {
	t.Helper()
	var events []*types.AgentEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			require.FailNow(t, "stream did not finish")
		}
	}
}

func ofType(events []*types.AgentEvent, typ types.AgentEventType) []*types.AgentEvent {
	var out []*types.AgentEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
