package types

import "sync"

// AgentChannels groups the channels a host uses to talk to an agent.
type AgentChannels struct {
	// Input receives user text, cancellation and approval decisions.
	Input chan *Input

	// Event delivers everything the agent emits.
	Event chan *AgentEvent

	// Shutdown is closed by the agent owner to stop the event loop.
	Shutdown chan struct{}

	// Done is closed by the agent once the event loop has exited.
	Done chan struct{}

	closeOnce sync.Once
}

// NewAgentChannels creates a channel set with the given buffer size.
func NewAgentChannels(bufferSize int) *AgentChannels {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &AgentChannels{
		Input:    make(chan *Input, bufferSize),
		Event:    make(chan *AgentEvent, bufferSize),
		Shutdown: make(chan struct{}),
		Done:     make(chan struct{}),
	}
}

// Close closes the Event and Done channels. It is safe to call more than once.
func (c *AgentChannels) Close() {
	c.closeOnce.Do(func() {
		close(c.Event)
		close(c.Done)
	})
}
