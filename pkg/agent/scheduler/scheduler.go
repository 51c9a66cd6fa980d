// Package scheduler turns model-issued tool call requests into approved,
// executed and reported results.
//
// Each call moves through a small state machine:
//
//	validating -> scheduled | awaiting_approval | error
//	awaiting_approval -> scheduled | cancelled
//	scheduled -> executing -> success | error | cancelled
//
// Approval is two-phase: calls that need a decision park in
// awaiting_approval until ResolveApproval is called for them. Execution of a
// batch starts once every call is scheduled or terminal, and approved calls
// run concurrently. OnAllComplete fires exactly once per batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/conductor/pkg/agent/approval"
	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/logging"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

var (
	// ErrBatchInProgress is returned by Schedule while a batch is active.
	ErrBatchInProgress = errors.New("a tool call batch is already in progress")

	// ErrUnknownCall is returned when a call id is not part of the active batch.
	ErrUnknownCall = errors.New("unknown tool call")

	// ErrNotAwaitingApproval is returned when resolving a call that is not
	// waiting for a decision.
	ErrNotAwaitingApproval = errors.New("tool call is not awaiting approval")
)

const (
	cancelledByUser    = "[Operation Cancelled] Reason: User did not allow tool call"
	cancelledByTimeout = "[Operation Cancelled] Reason: approval timed out"
	cancelledBySignal  = "[Operation Cancelled] Reason: User cancelled tool execution"

	defaultMaxConcurrency = 8
)

// Config wires a Scheduler to its collaborators and callbacks.
type Config struct {
	Registry *tools.Registry
	Policy   *approval.Policy
	Logger   *logging.Logger
	Sink     telemetry.Sink

	// OnUpdate receives a snapshot of every call after each status change.
	OnUpdate func([]types.ToolCallSnapshot)

	// OnApprovalRequest is invoked for each call entering awaiting_approval.
	OnApprovalRequest func(*types.ApprovalRequest)

	// OnCallComplete is invoked as each call reaches a terminal state.
	OnCallComplete func(*types.ToolCallResponse)

	// OnAllComplete receives the responses of a batch, in request order,
	// once every call is terminal.
	OnAllComplete func([]*types.ToolCallResponse)

	// ApprovalTimeout cancels calls left awaiting approval for longer.
	// Zero disables the timeout.
	ApprovalTimeout time.Duration

	// MaxConcurrency limits how many tools run at once.
	MaxConcurrency int
}

type toolCall struct {
	req      types.ToolCallRequest
	tool     tools.Tool
	machine  *fsm.FSM
	approval *types.ApprovalRequest
	response *types.ToolCallResponse
	timer    *time.Timer
	started  time.Time
}

func (c *toolCall) status() types.ToolCallStatus {
	return types.ToolCallStatus(c.machine.Current())
}

// Scheduler manages one batch of tool calls at a time.
type Scheduler struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	calls     []*toolCall
	byID      map[string]*toolCall
	ctx       context.Context
	stopAfter func() bool
	active    bool
	launched  bool
	batch     uint64
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("scheduler requires a tool registry")
	}
	if cfg.Policy == nil {
		p, err := approval.NewPolicy(approval.ModeDefault, nil)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{cfg: cfg, logger: logger}, nil
}

// Policy returns the approval policy the scheduler consults.
func (s *Scheduler) Policy() *approval.Policy {
	return s.cfg.Policy
}

// IsActive reports whether a batch is in flight.
func (s *Scheduler) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns the status of every call in the active batch.
func (s *Scheduler) Snapshot() []types.ToolCallSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Schedule validates a batch of requests and starts driving it. It returns
// without waiting for approvals or execution; results arrive through
// OnAllComplete. Cancelling ctx cancels every call that has not finished.
func (s *Scheduler) Schedule(ctx context.Context, reqs []types.ToolCallRequest) error {
	if len(reqs) == 0 {
		if s.cfg.OnAllComplete != nil {
			s.cfg.OnAllComplete(nil)
		}
		return nil
	}

	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.CallID] {
			return fmt.Errorf("duplicate tool call id %q", req.CallID)
		}
		seen[req.CallID] = true
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrBatchInProgress
	}
	s.active = true
	s.launched = false
	s.ctx = ctx
	s.calls = nil
	s.byID = make(map[string]*toolCall, len(reqs))
	s.batch++
	batch := s.batch
	s.mu.Unlock()

	calls := make([]*toolCall, 0, len(reqs))
	var approvals []*types.ApprovalRequest
	for _, req := range reqs {
		c := s.validate(ctx, req)
		calls = append(calls, c)
		if c.approval != nil {
			approvals = append(approvals, c.approval)
		}
	}

	s.mu.Lock()
	for _, c := range calls {
		s.byID[c.req.CallID] = c
		if c.status() == types.ToolCallAwaitingApproval && s.cfg.ApprovalTimeout > 0 {
			id := c.req.CallID
			c.timer = time.AfterFunc(s.cfg.ApprovalTimeout, func() { s.expire(batch, id) })
		}
	}
	s.calls = calls
	s.stopAfter = context.AfterFunc(ctx, func() { s.cancelAll(batch) })
	s.mu.Unlock()

	s.logger.Debugf("Scheduled batch of %d tool calls", len(calls))
	s.notifyUpdate()
	for _, c := range calls {
		if c.status().IsTerminal() {
			s.notifyCallComplete(c)
		}
	}
	if s.cfg.OnApprovalRequest != nil {
		for _, a := range approvals {
			s.cfg.OnApprovalRequest(a)
		}
	}
	s.advance()
	return nil
}

// validate resolves the tool and decides the call's first state.
func (s *Scheduler) validate(ctx context.Context, req types.ToolCallRequest) *toolCall {
	c := &toolCall{req: req, started: time.Now()}
	c.machine = newCallFSM(func(e *fsm.Event) {
		s.logger.Debug("tool call transition", "call_id", req.CallID, "tool", req.Name, "from", e.Src, "to", e.Dst)
	})

	tool, err := s.cfg.Registry.Lookup(req.Name)
	if err != nil {
		c.response = errorResponse(req, err, tools.ErrorToolNotFound)
		s.transition(c, eventReject)
		return c
	}
	c.tool = tool

	if !s.cfg.Policy.NeedsConfirmation(tool, req.Args) {
		s.transition(c, eventValidated)
		return c
	}

	c.approval = &types.ApprovalRequest{
		CallID:   req.CallID,
		ToolName: req.Name,
		Args:     req.Args,
		Title:    fmt.Sprintf("Allow %s?", req.Name),
		Risk:     string(tool.ClassifyRisk(req.Args)),
	}
	if pv, ok := tool.(tools.Previewable); ok {
		preview, err := pv.GeneratePreview(ctx, req.Args)
		if err != nil {
			s.logger.Warnf("Failed to generate preview for %s: %v", req.Name, err)
		} else if preview != nil {
			c.approval.Preview = preview
			if preview.Title != "" {
				c.approval.Title = preview.Title
			}
		}
	}
	s.transition(c, eventRequireApproval)
	return c
}

// ResolveApproval records the host's decision for a call awaiting approval.
// A proceed-always outcome widens the policy and re-evaluates every other
// pending call, so a single answer can release the whole batch.
func (s *Scheduler) ResolveApproval(callID string, outcome approval.Outcome) error {
	if _, err := approval.ParseOutcome(string(outcome)); err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.byID[callID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if c.status() != types.ToolCallAwaitingApproval {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, callID, c.status())
	}
	s.stopTimerLocked(c)

	var completed []*toolCall
	switch outcome {
	case approval.OutcomeCancel:
		s.cancelLocked(c, cancelledByUser)
		completed = append(completed, c)
	case approval.OutcomeProceedAlways:
		s.cfg.Policy.ApplyProceedAlways(c.tool, c.req.Args)
		s.transition(c, eventApprove)
		s.reevaluateLocked()
	default:
		s.transition(c, eventApprove)
	}
	s.mu.Unlock()

	s.logger.Debug("approval resolved", "call_id", callID, "outcome", string(outcome))
	s.notifyUpdate()
	for _, c := range completed {
		s.notifyCallComplete(c)
	}
	s.advance()
	return nil
}

// SetApprovalMode switches the policy mode and re-evaluates pending calls.
func (s *Scheduler) SetApprovalMode(mode approval.Mode) {
	s.cfg.Policy.SetMode(mode)
	s.ReevaluatePending()
}

// ReevaluatePending auto-approves calls awaiting approval that no longer
// need confirmation under the current policy. Executing and terminal calls
// are untouched.
func (s *Scheduler) ReevaluatePending() {
	s.mu.Lock()
	changed := s.reevaluateLocked()
	s.mu.Unlock()

	if changed {
		s.notifyUpdate()
		s.advance()
	}
}

func (s *Scheduler) reevaluateLocked() bool {
	changed := false
	for _, c := range s.calls {
		if c.status() != types.ToolCallAwaitingApproval {
			continue
		}
		if s.cfg.Policy.NeedsConfirmation(c.tool, c.req.Args) {
			continue
		}
		s.stopTimerLocked(c)
		s.transition(c, eventApprove)
		changed = true
	}
	return changed
}

// expire cancels a call whose approval window elapsed.
func (s *Scheduler) expire(batch uint64, callID string) {
	s.mu.Lock()
	c, ok := s.byID[callID]
	if !ok || s.batch != batch || c.status() != types.ToolCallAwaitingApproval {
		s.mu.Unlock()
		return
	}
	s.cancelLocked(c, cancelledByTimeout)
	s.mu.Unlock()

	s.logger.Warnf("Approval for %s (%s) timed out", c.req.Name, callID)
	s.notifyUpdate()
	s.notifyCallComplete(c)
	s.advance()
}

// cancelAll runs when the batch context is done. Calls that have not started
// are cancelled here; executing calls observe the context themselves.
func (s *Scheduler) cancelAll(batch uint64) {
	s.mu.Lock()
	if !s.active || s.batch != batch {
		s.mu.Unlock()
		return
	}
	var cancelled []*toolCall
	for _, c := range s.calls {
		switch c.status() {
		case types.ToolCallValidating, types.ToolCallAwaitingApproval, types.ToolCallScheduled:
			s.stopTimerLocked(c)
			reason := cancelledBySignal
			if c.status() == types.ToolCallAwaitingApproval {
				reason = cancelledByUser
			}
			s.cancelLocked(c, reason)
			cancelled = append(cancelled, c)
		}
	}
	s.mu.Unlock()

	if len(cancelled) == 0 {
		return
	}
	s.logger.Debugf("Cancelled %d pending tool calls", len(cancelled))
	s.notifyUpdate()
	for _, c := range cancelled {
		s.notifyCallComplete(c)
	}
	s.advance()
}

// advance launches execution once every call is scheduled or terminal and
// completes the batch once every call is terminal.
func (s *Scheduler) advance() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	ready := true
	done := true
	for _, c := range s.calls {
		st := c.status()
		if !st.IsTerminal() {
			done = false
		}
		if st != types.ToolCallScheduled && !st.IsTerminal() && st != types.ToolCallExecuting {
			ready = false
		}
	}

	if done {
		responses := s.finishLocked()
		s.mu.Unlock()
		s.logger.Debugf("Tool call batch complete (%d responses)", len(responses))
		if s.cfg.OnAllComplete != nil {
			s.cfg.OnAllComplete(responses)
		}
		return
	}

	if !ready || s.launched {
		s.mu.Unlock()
		return
	}
	s.launched = true

	var runnable []*toolCall
	for _, c := range s.calls {
		if c.status() == types.ToolCallScheduled {
			s.transition(c, eventExecute)
			c.started = time.Now()
			runnable = append(runnable, c)
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.notifyUpdate()
	go s.run(ctx, runnable)
}

// run executes the approved calls concurrently.
func (s *Scheduler) run(ctx context.Context, calls []*toolCall) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, c := range calls {
		c := c
		g.Go(func() error {
			s.execute(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	s.advance()
}

func (s *Scheduler) execute(ctx context.Context, c *toolCall) {
	result, err := s.invoke(ctx, c)

	s.mu.Lock()
	switch {
	case ctx.Err() != nil:
		s.cancelLocked(c, cancelledBySignal)
	case err != nil:
		errType := tools.ErrorExecution
		var execErr *tools.ExecutionError
		if errors.As(err, &execErr) && execErr.Type != "" {
			errType = execErr.Type
		}
		c.response = errorResponse(c.req, err, errType)
		s.transition(c, eventFail)
	default:
		c.response = successResponse(c.req, result)
		s.transition(c, eventSucceed)
	}
	c.response.Duration = time.Since(c.started)
	s.mu.Unlock()

	s.notifyUpdate()
	s.notifyCallComplete(c)
}

// invoke calls the tool, converting a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, c *toolCall) (result *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Tool %s panicked: %v", c.req.Name, r)
			err = fmt.Errorf("tool %s panicked: %v", c.req.Name, r)
		}
	}()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	result, err = c.tool.Execute(ctx, c.req.Args)
	if err == nil && result == nil {
		result = &tools.Result{}
	}
	return result, err
}

func (s *Scheduler) cancelLocked(c *toolCall, reason string) {
	c.response = cancelledResponse(c.req, reason)
	c.response.Duration = time.Since(c.started)
	s.transition(c, eventCancel)
}

func (s *Scheduler) stopTimerLocked(c *toolCall) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// finishLocked collects responses and clears the batch.
func (s *Scheduler) finishLocked() []*types.ToolCallResponse {
	responses := make([]*types.ToolCallResponse, 0, len(s.calls))
	for _, c := range s.calls {
		s.stopTimerLocked(c)
		responses = append(responses, c.response)
	}
	if s.stopAfter != nil {
		s.stopAfter()
		s.stopAfter = nil
	}
	s.active = false
	s.launched = false
	s.calls = nil
	s.byID = nil
	s.ctx = nil
	return responses
}

func (s *Scheduler) transition(c *toolCall, event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		s.logger.Errorf("Invalid transition %s for call %s in state %s: %v", event, c.req.CallID, c.status(), err)
	}
}

func (s *Scheduler) snapshotLocked() []types.ToolCallSnapshot {
	out := make([]types.ToolCallSnapshot, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, types.ToolCallSnapshot{CallID: c.req.CallID, Name: c.req.Name, Status: c.status()})
	}
	return out
}

func (s *Scheduler) notifyUpdate() {
	if s.cfg.OnUpdate == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if len(snap) > 0 {
		s.cfg.OnUpdate(snap)
	}
}

func (s *Scheduler) notifyCallComplete(c *toolCall) {
	resp := c.response
	if resp == nil {
		return
	}
	telemetry.SafeRecord(s.cfg.Sink, telemetry.Event{
		Name:     telemetry.EventToolCall,
		Status:   string(resp.Status),
		Duration: resp.Duration,
		Attrs:    map[string]any{"tool": resp.Name, "call_id": resp.CallID},
	})
	if s.cfg.OnCallComplete != nil {
		s.cfg.OnCallComplete(resp)
	}
}
