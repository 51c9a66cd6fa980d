package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/types"
)

const (
	choiceSimple  = "simple"
	choiceComplex = "complex"

	// classifierHistoryWindow is how many recent messages the classifier sees.
	classifierHistoryWindow = 20
)

var classifierSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning":    map[string]any{"type": "string"},
		"model_choice": map[string]any{"type": "string", "enum": []string{choiceSimple, choiceComplex}},
	},
	"required": []string{"reasoning", "model_choice"},
}

// JSONGenerator returns a single parsed JSON object for a request.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, req *llm.Request) (map[string]any, error)
}

// Classifier asks a lightweight model whether the request is simple or
// complex and routes to SimpleModel or ComplexModel. Any failure abstains.
type Classifier struct {
	Generator    JSONGenerator
	Model        string
	SimpleModel  string
	ComplexModel string
}

func (c *Classifier) Name() string { return "classifier" }

func (c *Classifier) Route(ctx context.Context, rc *Context) (*Decision, error) {
	if c.Generator == nil || c.SimpleModel == "" || c.ComplexModel == "" {
		return nil, nil
	}
	model := c.Model
	if model == "" {
		model = c.SimpleModel
	}

	start := time.Now()
	out, err := c.Generator.GenerateJSON(ctx, &llm.Request{
		Model:             model,
		SystemInstruction: prompts.ClassifierPrompt,
		Contents:          classifierContents(rc),
		Config: llm.GenerationConfig{
			ResponseJSON:   true,
			ResponseSchema: classifierSchema,
		},
	})
	if err != nil {
		routingLog.Warnf("Classifier failed, abstaining: %v", err)
		return nil, nil
	}

	choice, _ := out["model_choice"].(string)
	reasoning, _ := out["reasoning"].(string)

	var chosen string
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case choiceSimple:
		chosen = c.SimpleModel
	case choiceComplex:
		chosen = c.ComplexModel
	default:
		routingLog.Warnf("Classifier returned unknown choice %q, abstaining", choice)
		return nil, nil
	}

	return &Decision{
		Model:     chosen,
		Source:    "classifier",
		Reasoning: fmt.Sprintf("%s: %s", choice, reasoning),
		Latency:   time.Since(start),
	}, nil
}

// classifierContents keeps the text of recent messages and drops tool
// traffic, which the classifier cannot use.
func classifierContents(rc *Context) []*types.Message {
	history := rc.History
	if len(history) > classifierHistoryWindow {
		history = history[len(history)-classifierHistoryWindow:]
	}

	contents := make([]*types.Message, 0, len(history)+1)
	for _, m := range history {
		if text := m.Text(); text != "" {
			contents = append(contents, &types.Message{Role: m.Role, Parts: []types.Part{types.NewTextPart(text)}})
		}
	}
	if rc.Request != nil {
		if text := rc.Request.Text(); text != "" {
			contents = append(contents, types.NewUserMessage(text))
		}
	}
	return contents
}
