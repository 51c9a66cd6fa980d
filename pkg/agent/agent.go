// Package agent provides the conversation runtime: Chat owns history, Turn
// runs one model invocation, Client orchestrates a request sequence, and
// DefaultAgent is the channel-driven host loop that feeds tool calls through
// the scheduler.
//
// The DefaultAgent is available directly from this package for simple usage:
//
//	client, _ := agent.NewClient(provider, agent.Config{Model: "gpt-4.1"})
//	ag, _ := agent.NewDefaultAgent(client, registry, policy)
//	_ = ag.Start(ctx)
//
// Subpackages hold the components the runtime is assembled from:
//   - approval: approval modes and the confirmation policy
//   - context: history compression
//   - ide: editor context snapshots
//   - loopdetect: repetition detection
//   - prompts: system and side-call prompts
//   - routing: model selection strategies
//   - scheduler: tool call state machine and execution
//   - tools: tool contract and registry
package agent

import (
	"context"

	"github.com/entrhq/conductor/pkg/logging"
	"github.com/entrhq/conductor/pkg/types"
)

var agentDebugLog *logging.Logger

func init() {
	var err error
	agentDebugLog, err = logging.NewLogger("agent")
	if err != nil {
		// Logger fell back to stderr due to initialization failure
		agentDebugLog.Warnf("Failed to initialize agent logger, using stderr fallback: %v", err)
	}
}

// Agent interface defines the core capabilities of an agent.
// Agents are async event-driven components that process inputs through
// a Client and communicate via channels.
type Agent interface {
	// Start begins the agent's event loop in a goroutine.
	// The agent will listen for inputs on its input channel and process them
	// asynchronously, sending events to the event channel.
	//
	// The agent runs until:
	// - The context is canceled
	// - The shutdown channel is closed
	//
	// Returns an error if the agent is already running.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the agent.
	// Returns when the agent has fully stopped or the context is canceled.
	Shutdown(ctx context.Context) error

	// GetChannels returns the communication channels for this agent.
	// The executor uses these channels to send input and receive output.
	GetChannels() *types.AgentChannels

	// GetContextInfo returns context usage for display.
	GetContextInfo() ContextInfo
}
