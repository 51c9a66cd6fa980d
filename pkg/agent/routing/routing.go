// Package routing decides which model serves a logical request sequence.
//
// Strategies are tried in order by a Composite; the first one that returns a
// decision wins. A strategy abstains by returning a nil decision.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/conductor/pkg/logging"
	"github.com/entrhq/conductor/pkg/types"
)

var routingLog *logging.Logger

func init() {
	var err error
	routingLog, err = logging.NewLogger("routing")
	if err != nil {
		routingLog.Warnf("Failed to initialize routing logger, using stderr fallback: %v", err)
	}
}

// AutoModel as the configured model lets the router choose.
const AutoModel = "auto"

// Context is the input to a routing decision.
type Context struct {
	// History is the curated history before the new request.
	History []*types.Message
	// Request is the message about to be sent.
	Request *types.Message

	PromptID        string
	ConfiguredModel string
	FallbackModel   string
	InFallback      bool
}

// Decision is the model chosen for a request sequence.
type Decision struct {
	Model     string
	Source    string
	Reasoning string
	Latency   time.Duration
}

// Strategy picks a model or abstains with a nil decision.
type Strategy interface {
	Name() string
	Route(ctx context.Context, rc *Context) (*Decision, error)
}

// Fallback routes to the fallback model while the session is in fallback mode.
type Fallback struct{}

func (Fallback) Name() string { return "fallback" }

func (Fallback) Route(_ context.Context, rc *Context) (*Decision, error) {
	if !rc.InFallback || rc.FallbackModel == "" {
		return nil, nil
	}
	return &Decision{
		Model:     rc.FallbackModel,
		Source:    "fallback",
		Reasoning: "session is in fallback mode",
	}, nil
}

// Override honours an explicitly configured model.
type Override struct{}

func (Override) Name() string { return "override" }

func (Override) Route(_ context.Context, rc *Context) (*Decision, error) {
	if rc.ConfiguredModel == "" || rc.ConfiguredModel == AutoModel {
		return nil, nil
	}
	return &Decision{
		Model:     rc.ConfiguredModel,
		Source:    "override",
		Reasoning: "model explicitly configured",
	}, nil
}

// Default always picks Model. Place it last in a Composite.
type Default struct {
	Model string
}

func (d Default) Name() string { return "default" }

func (d Default) Route(context.Context, *Context) (*Decision, error) {
	if d.Model == "" {
		return nil, fmt.Errorf("default routing strategy has no model")
	}
	return &Decision{Model: d.Model, Source: "default"}, nil
}

// Composite tries strategies in order. Errors from all but the last strategy
// are logged and treated as abstentions.
type Composite struct {
	name       string
	strategies []Strategy
}

// NewComposite creates a composite strategy.
func NewComposite(name string, strategies ...Strategy) *Composite {
	return &Composite{name: name, strategies: strategies}
}

func (c *Composite) Name() string { return c.name }

func (c *Composite) Route(ctx context.Context, rc *Context) (*Decision, error) {
	start := time.Now()
	for i, s := range c.strategies {
		d, err := s.Route(ctx, rc)
		if err != nil {
			if i == len(c.strategies)-1 {
				return nil, fmt.Errorf("routing strategy %s failed: %w", s.Name(), err)
			}
			routingLog.Warnf("Routing strategy %s failed, trying next: %v", s.Name(), err)
			continue
		}
		if d == nil {
			continue
		}
		d.Source = c.name + "/" + d.Source
		if d.Latency == 0 {
			d.Latency = time.Since(start)
		}
		routingLog.Debugf("Routed prompt %s to %s (%s)", rc.PromptID, d.Model, d.Source)
		return d, nil
	}
	return nil, fmt.Errorf("no routing strategy produced a decision")
}

// NewDefaultRouter builds the standard chain: fallback, override, the
// optional classifier, then defaultModel.
func NewDefaultRouter(defaultModel string, classifier *Classifier) *Composite {
	strategies := []Strategy{Fallback{}, Override{}}
	if classifier != nil {
		strategies = append(strategies, classifier)
	}
	strategies = append(strategies, Default{Model: defaultModel})
	return NewComposite("agent-router", strategies...)
}
