package context

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/types"
)

// sized builds a text message whose serialized length is exactly n.
func sized(t *testing.T, role types.Role, n int) *types.Message {
	t.Helper()
	overhead := (&types.Message{Role: role, Parts: []types.Part{types.NewTextPart("a")}}).SerializedLength() - 1
	require.Greater(t, n, overhead)
	m := &types.Message{Role: role, Parts: []types.Part{types.NewTextPart(strings.Repeat("a", n-overhead))}}
	require.Equal(t, n, m.SerializedLength())
	return m
}

func alternating(t *testing.T, lengths ...int) []*types.Message {
	t.Helper()
	out := make([]*types.Message, len(lengths))
	for i, n := range lengths {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleModel
		}
		out[i] = sized(t, role, n)
	}
	return out
}

type fakeGenerator struct {
	summary string
	err     error
	calls   int
	last    *llm.Request
}

func (f *fakeGenerator) GenerateContent(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Message: types.NewModelMessage(f.summary)}, nil
}

func TestFindCompressSplitPoint(t *testing.T) {
	t.Run("literal lengths", func(t *testing.T) {
		history := alternating(t, 150, 100, 150, 100, 100, 100, 50, 50, 50, 150)
		assert.Equal(t, 6, FindCompressSplitPoint(history, 0.7))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, 0, FindCompressSplitPoint(nil, 0.5))
	})

	t.Run("never splits a call from its response", func(t *testing.T) {
		history := []*types.Message{
			sized(t, types.RoleUser, 100),
			{Role: types.RoleModel, Parts: []types.Part{types.NewFunctionCallPart("c1", "read_file", map[string]any{"path": "a"})}},
			types.NewUserPartsMessage(types.NewFunctionResponsePart("c1", "read_file", map[string]any{"output": strings.Repeat("x", 500)})),
			{Role: types.RoleModel, Parts: []types.Part{types.NewFunctionCallPart("c2", "read_file", map[string]any{"path": "b"})}},
		}
		assert.Equal(t, 0, FindCompressSplitPoint(history, 0.5))
	})

	t.Run("trailing model text compresses everything", func(t *testing.T) {
		history := alternating(t, 100, 100)
		assert.Equal(t, 2, FindCompressSplitPoint(history, 0.9))
	})

	t.Run("falls back to last candidate", func(t *testing.T) {
		history := alternating(t, 100, 100, 100)
		assert.Equal(t, 2, FindCompressSplitPoint(history, 0.99))
	})

	t.Run("invalid fraction panics", func(t *testing.T) {
		assert.Panics(t, func() { FindCompressSplitPoint(nil, 0) })
		assert.Panics(t, func() { FindCompressSplitPoint(nil, 1) })
		assert.Panics(t, func() { FindCompressSplitPoint(nil, -0.2) })
	})
}

func TestCompressNoop(t *testing.T) {
	gen := &fakeGenerator{summary: "s"}
	c := NewCompressor(gen)
	history := alternating(t, 100, 100, 100, 100)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty history", Request{Model: "gpt-4o"}},
		{"failed before", Request{History: history, Model: "gpt-4o", OriginalTokens: 1_000_000, HasFailedBefore: true}},
		{"under threshold", Request{History: history, Model: "gpt-4o", OriginalTokens: 10}},
		{"no split point", Request{History: alternating(t, 100), Model: "gpt-4o", Force: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Compress(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, types.CompressionNoop, res.Info.Status)
			assert.Nil(t, res.History)
		})
	}
	assert.Zero(t, gen.calls)
}

func TestCompressRebuildsHistory(t *testing.T) {
	gen := &fakeGenerator{summary: "<state_snapshot>short</state_snapshot>"}
	c := NewCompressor(gen)
	history := alternating(t, 150, 100, 150, 100, 100, 100, 50, 50, 50, 150)

	res, err := c.Compress(context.Background(), Request{
		History:        history,
		Model:          "gpt-4o",
		SummaryModel:   "gpt-4o-mini",
		OriginalTokens: 100_000,
		PromptID:       "p1",
	})
	require.NoError(t, err)
	require.Equal(t, types.CompressionCompressed, res.Info.Status)
	assert.Equal(t, 100_000, res.Info.OriginalTokenCount)

	require.Len(t, res.History, 2+4)
	assert.Equal(t, types.RoleUser, res.History[0].Role)
	assert.Equal(t, gen.summary, res.History[0].Text())
	assert.Equal(t, prompts.CompressionAck, res.History[1].Text())
	assert.Equal(t, history[6].Text(), res.History[2].Text())

	require.NotNil(t, gen.last)
	assert.Equal(t, "gpt-4o-mini", gen.last.Model)
	assert.Equal(t, prompts.CompressionSystemPrompt, gen.last.SystemInstruction)
	require.Len(t, gen.last.Contents, 7)
	assert.Equal(t, prompts.CompressionInstruction, gen.last.Contents[6].Text())

	// committed history is now far below the threshold
	again, err := c.Compress(context.Background(), Request{
		History:        res.History,
		Model:          "gpt-4o",
		OriginalTokens: res.Info.NewTokenCount,
	})
	require.NoError(t, err)
	assert.Equal(t, types.CompressionNoop, again.Info.Status)
}

func TestCompressInflationKeepsOriginal(t *testing.T) {
	gen := &fakeGenerator{summary: strings.Repeat("verbose ", 2000)}
	c := NewCompressor(gen)
	history := alternating(t, 150, 100, 150, 100, 100, 100, 50, 50, 50, 150)
	before, err := json.Marshal(history)
	require.NoError(t, err)

	res, err := c.Compress(context.Background(), Request{History: history, Model: "gpt-4o", Force: true})
	require.NoError(t, err)
	assert.Equal(t, types.CompressionFailedInflatedTokenCnt, res.Info.Status)
	assert.Greater(t, res.Info.NewTokenCount, res.Info.OriginalTokenCount)
	assert.Nil(t, res.History)

	after, err := json.Marshal(history)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCompressGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("boom")}
	c := NewCompressor(gen)

	_, err := c.Compress(context.Background(), Request{
		History: alternating(t, 150, 100, 150, 100),
		Model:   "gpt-4o",
		Force:   true,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "boom")
}

func TestCompressorOptions(t *testing.T) {
	c := NewCompressor(nil, WithThreshold(0.5), WithPreserveFraction(0.4), WithThreshold(3))
	assert.Equal(t, 0.5, c.Threshold())
	assert.Equal(t, 0.4, c.preserveFraction)
}
