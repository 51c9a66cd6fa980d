package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/types"
)

type fakeJSON struct {
	out  map[string]any
	err  error
	last *llm.Request
}

func (f *fakeJSON) GenerateJSON(_ context.Context, req *llm.Request) (map[string]any, error) {
	f.last = req
	return f.out, f.err
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Route(context.Context, *Context) (*Decision, error) {
	return nil, errors.New("nope")
}

func TestDefaultRouter(t *testing.T) {
	tests := []struct {
		name       string
		rc         Context
		classifier *Classifier
		wantModel  string
		wantSource string
	}{
		{
			name:       "fallback wins",
			rc:         Context{InFallback: true, FallbackModel: "gpt-4o-mini", ConfiguredModel: "gpt-4o"},
			wantModel:  "gpt-4o-mini",
			wantSource: "agent-router/fallback",
		},
		{
			name:       "override",
			rc:         Context{ConfiguredModel: "o3"},
			wantModel:  "o3",
			wantSource: "agent-router/override",
		},
		{
			name:       "auto uses default",
			rc:         Context{ConfiguredModel: AutoModel},
			wantModel:  "gpt-4.1",
			wantSource: "agent-router/default",
		},
		{
			name: "classifier picks complex",
			rc:   Context{ConfiguredModel: AutoModel, Request: types.NewUserMessage("refactor the whole repo")},
			classifier: &Classifier{
				Generator:    &fakeJSON{out: map[string]any{"model_choice": "complex", "reasoning": "big"}},
				SimpleModel:  "gpt-4.1-mini",
				ComplexModel: "gpt-4.1",
			},
			wantModel:  "gpt-4.1",
			wantSource: "agent-router/classifier",
		},
		{
			name: "classifier error abstains",
			rc:   Context{ConfiguredModel: AutoModel},
			classifier: &Classifier{
				Generator:    &fakeJSON{err: errors.New("boom")},
				SimpleModel:  "gpt-4.1-mini",
				ComplexModel: "o3",
			},
			wantModel:  "gpt-4.1",
			wantSource: "agent-router/default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDefaultRouter("gpt-4.1", tt.classifier).Route(context.Background(), &tt.rc)
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, d.Model)
			assert.Equal(t, tt.wantSource, d.Source)
		})
	}
}

func TestCompositeErrors(t *testing.T) {
	d, err := NewComposite("c", failing{}, Default{Model: "m"}).Route(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Equal(t, "m", d.Model)

	_, err = NewComposite("c", Override{}, failing{}).Route(context.Background(), &Context{})
	assert.ErrorContains(t, err, "failing")

	_, err = NewComposite("c", Override{}).Route(context.Background(), &Context{})
	assert.Error(t, err)
}

func TestClassifierRequest(t *testing.T) {
	gen := &fakeJSON{out: map[string]any{"model_choice": "SIMPLE"}}
	c := &Classifier{Generator: gen, SimpleModel: "mini", ComplexModel: "pro"}

	history := []*types.Message{
		types.NewUserMessage("hi"),
		{Role: types.RoleModel, Parts: []types.Part{types.NewFunctionCallPart("c1", "read_file", nil)}},
		types.NewUserPartsMessage(types.NewFunctionResponsePart("c1", "read_file", map[string]any{"output": "x"})),
		types.NewModelMessage("done"),
	}
	d, err := c.Route(context.Background(), &Context{History: history, Request: types.NewUserMessage("thanks")})
	require.NoError(t, err)
	assert.Equal(t, "mini", d.Model)

	require.NotNil(t, gen.last)
	assert.Equal(t, "mini", gen.last.Model)
	assert.True(t, gen.last.Config.ResponseJSON)
	require.Len(t, gen.last.Contents, 3)
	assert.Equal(t, "thanks", gen.last.Contents[2].Text())
}

func TestClassifierUnknownChoiceAbstains(t *testing.T) {
	c := &Classifier{Generator: &fakeJSON{out: map[string]any{"model_choice": "medium"}}, SimpleModel: "a", ComplexModel: "b"}
	d, err := c.Route(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Nil(t, d)
}
