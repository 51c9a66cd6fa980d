package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/conductor/pkg/agent/approval"
	"github.com/entrhq/conductor/pkg/agent/scheduler"
	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

// DefaultAgent is the host loop around a Client. It reads inputs from its
// channels, streams each request through the client, runs requested tool
// calls through the scheduler and sends their responses back until the
// model stops asking for tools.
type DefaultAgent struct {
	client    *Client
	registry  *tools.Registry
	scheduler *scheduler.Scheduler
	channels  *types.AgentChannels

	bufferSize      int
	maxTurns        int
	maxConcurrency  int
	approvalTimeout time.Duration
	sink            telemetry.Sink

	batchDone chan []*types.ToolCallResponse

	// Control state
	cancelMu  sync.Mutex
	cancelRun context.CancelFunc
	busy      bool
	inflight  sync.WaitGroup

	// Running state
	running bool
	runMu   sync.Mutex
}

// AgentOption is a function that configures an agent
type AgentOption func(*DefaultAgent)

// WithBufferSize sets the channel buffer size
func WithBufferSize(size int) AgentOption {
	return func(a *DefaultAgent) {
		a.bufferSize = size
	}
}

// WithMaxTurns sets the turn budget of each user request
func WithMaxTurns(max int) AgentOption {
	return func(a *DefaultAgent) {
		a.maxTurns = max
	}
}

// WithApprovalTimeout sets the timeout for approval requests
func WithApprovalTimeout(timeout time.Duration) AgentOption {
	return func(a *DefaultAgent) {
		a.approvalTimeout = timeout
	}
}

// WithMaxConcurrency limits how many approved tool calls run at once
func WithMaxConcurrency(n int) AgentOption {
	return func(a *DefaultAgent) {
		a.maxConcurrency = n
	}
}

// WithTelemetry sets the sink tool call events are recorded on
func WithTelemetry(sink telemetry.Sink) AgentOption {
	return func(a *DefaultAgent) {
		a.sink = sink
	}
}

// NewDefaultAgent creates a host loop for client. Tool calls are resolved
// against registry and confirmed according to policy.
func NewDefaultAgent(client *Client, registry *tools.Registry, policy *approval.Policy, opts ...AgentOption) (*DefaultAgent, error) {
	if client == nil {
		return nil, errors.New("agent requires a client")
	}
	a := &DefaultAgent{
		client:          client,
		registry:        registry,
		bufferSize:      10,
		maxTurns:        MaxTurns,
		approvalTimeout: 5 * time.Minute,
		batchDone:       make(chan []*types.ToolCallResponse, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.channels = types.NewAgentChannels(a.bufferSize)

	sched, err := scheduler.New(scheduler.Config{
		Registry:          registry,
		Policy:            policy,
		Logger:            agentDebugLog.With("component", "scheduler"),
		Sink:              a.sink,
		ApprovalTimeout:   a.approvalTimeout,
		MaxConcurrency:    a.maxConcurrency,
		OnUpdate:          func(calls []types.ToolCallSnapshot) { a.emitEvent(types.NewToolCallsUpdateEvent(calls)) },
		OnApprovalRequest: func(req *types.ApprovalRequest) { a.emitEvent(types.NewToolApprovalRequestEvent(req)) },
		OnCallComplete:    func(resp *types.ToolCallResponse) { a.emitEvent(types.NewToolCallResponseEvent(resp)) },
		OnAllComplete:     func(responses []*types.ToolCallResponse) { a.batchDone <- responses },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.scheduler = sched
	return a, nil
}

// Start begins the agent's event loop in a goroutine.
func (a *DefaultAgent) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return fmt.Errorf("agent is already running")
	}
	a.running = true
	a.runMu.Unlock()

	go a.eventLoop(ctx)
	return nil
}

// Shutdown gracefully stops the agent.
func (a *DefaultAgent) Shutdown(ctx context.Context) error {
	close(a.channels.Shutdown)

	select {
	case <-a.channels.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetChannels returns the communication channels for this agent.
func (a *DefaultAgent) GetChannels() *types.AgentChannels {
	return a.channels
}

// GetContextInfo returns the client's context usage.
func (a *DefaultAgent) GetContextInfo() ContextInfo {
	return a.client.ContextInfo()
}

// Client returns the orchestrator the agent drives.
func (a *DefaultAgent) Client() *Client {
	return a.client
}

// Scheduler returns the tool call scheduler.
func (a *DefaultAgent) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// eventLoop is the main processing loop for the agent.
func (a *DefaultAgent) eventLoop(ctx context.Context) {
	defer a.channels.Close()
	defer func() {
		a.cancelCurrent()
		a.inflight.Wait()
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-a.channels.Shutdown:
			return

		case input := <-a.channels.Input:
			if input == nil {
				return
			}
			a.handleInput(ctx, input)
		}
	}
}

// handleInput dispatches one input. Control inputs are applied inline so
// they take effect while a request is running.
func (a *DefaultAgent) handleInput(ctx context.Context, input *types.Input) {
	switch {
	case input.IsCancel():
		a.cancelCurrent()

	case input.IsApproval():
		outcome, err := approval.ParseOutcome(input.Outcome)
		if err != nil {
			a.emitEvent(types.NewErrorEvent(err))
			return
		}
		if err := a.scheduler.ResolveApproval(input.CallID, outcome); err != nil {
			if errors.Is(err, scheduler.ErrUnknownCall) || errors.Is(err, scheduler.ErrNotAwaitingApproval) {
				agentDebugLog.Debugf("Ignoring decision for %s: %v", input.CallID, err)
				return
			}
			a.emitEvent(types.NewErrorEvent(err))
		}

	case input.IsApprovalMode():
		mode, err := approval.ParseMode(input.Content)
		if err != nil {
			a.emitEvent(types.NewErrorEvent(err))
			return
		}
		a.scheduler.SetApprovalMode(mode)

	case input.IsCompress():
		if !a.begin(ctx, func(runCtx context.Context) { a.compress(runCtx) }) {
			a.emitEvent(types.NewErrorEvent(errors.New("agent is busy")))
		}

	case input.IsUserInput():
		content := input.Content
		if !a.begin(ctx, func(runCtx context.Context) { a.processUserInput(runCtx, content) }) {
			a.emitEvent(types.NewErrorEvent(errors.New("agent is busy")))
		}
	}
}

// begin runs fn in a goroutine with a cancellable context unless a request
// is already running.
func (a *DefaultAgent) begin(ctx context.Context, fn func(context.Context)) bool {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.busy {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.busy = true
	a.cancelRun = cancel
	a.inflight.Add(1)

	go func() {
		defer a.inflight.Done()
		defer func() {
			cancel()
			a.cancelMu.Lock()
			a.busy = false
			a.cancelRun = nil
			a.cancelMu.Unlock()
		}()

		a.emitEvent(types.NewUpdateBusyEvent(true))
		fn(runCtx)
		a.emitEvent(types.NewUpdateBusyEvent(false))
		a.emitEvent(types.NewTurnEndEvent())
	}()
	return true
}

func (a *DefaultAgent) cancelCurrent() {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelRun != nil {
		a.cancelRun()
	}
}

// processUserInput runs one user request to completion: model turns, tool
// batches, and the responses fed back under the same prompt id.
func (a *DefaultAgent) processUserInput(ctx context.Context, content string) {
	promptID := uuid.NewString()
	msg := types.NewUserMessage(content)

	for {
		stream := a.client.SendMessageStream(ctx, msg, promptID, a.maxTurns)
		for ev := range stream.Events() {
			a.emitEvent(ev)
		}

		if !stream.Completed() || ctx.Err() != nil {
			a.closePendingCalls()
			return
		}
		calls := stream.Turn().PendingToolCalls()
		if len(calls) == 0 {
			return
		}

		responses, err := a.runBatch(ctx, calls)
		if err != nil {
			a.emitEvent(types.NewErrorEvent(err))
			a.closePendingCalls()
			return
		}
		msg = types.NewUserPartsMessage(scheduler.ResponseParts(responses)...)

		if ctx.Err() != nil {
			if err := a.client.AddHistory(msg); err != nil {
				agentDebugLog.Errorf("Failed to record cancelled tool responses: %v", err)
			}
			a.emitEvent(types.NewUserCancelledEvent())
			return
		}
	}
}

// runBatch schedules calls and waits until every one is terminal.
// Cancelling ctx cancels the calls that have not finished.
func (a *DefaultAgent) runBatch(ctx context.Context, calls []types.ToolCallRequest) ([]*types.ToolCallResponse, error) {
	if err := a.scheduler.Schedule(ctx, calls); err != nil {
		return nil, fmt.Errorf("failed to schedule tool calls: %w", err)
	}
	return <-a.batchDone, nil
}

// closePendingCalls answers tool calls left without responses by an
// interrupted sequence, so history stays sendable.
func (a *DefaultAgent) closePendingCalls() {
	last := a.client.Chat().LastMessage()
	if last == nil || last.Role != types.RoleModel || !last.HasFunctionCall() {
		return
	}
	var reqs []types.ToolCallRequest
	for _, call := range last.FunctionCalls() {
		reqs = append(reqs, types.ToolCallRequest{CallID: call.ID, Name: call.Name, Args: call.Args})
	}
	if err := a.client.AddHistory(types.NewUserPartsMessage(scheduler.CancelledParts(reqs)...)); err != nil {
		agentDebugLog.Errorf("Failed to close pending tool calls: %v", err)
	}
}

func (a *DefaultAgent) compress(ctx context.Context) {
	info, err := a.client.TryCompressChat(ctx, a.client.ContextInfo().PromptID, true)
	if err != nil {
		a.emitEvent(types.NewErrorEvent(fmt.Errorf("compression failed: %w", err)))
		return
	}
	a.emitEvent(types.NewCompressionEvent(&info))
}

// emitEvent sends an event on the event channel.
// This is a blocking send to ensure critical events like TurnEnd are not dropped.
// It safely handles the case where the event channel may be closed during shutdown.
func (a *DefaultAgent) emitEvent(event *types.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			agentDebugLog.Debugf("Dropped %s event after shutdown", event.Type)
		}
	}()
	a.channels.Event <- event
}
