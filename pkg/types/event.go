package types

import "time"

// AgentEventType defines the type of event emitted during a conversation.
type AgentEventType string

const (
	EventTypeContentDelta              AgentEventType = "content_delta"                // EventTypeContentDelta carries a chunk of model text.
	EventTypeThought                   AgentEventType = "thought"                      // EventTypeThought carries a chunk of model reasoning.
	EventTypeToolCallRequest           AgentEventType = "tool_call_request"            // EventTypeToolCallRequest indicates the model asked for a tool call.
	EventTypeToolCallResponse          AgentEventType = "tool_call_response"           // EventTypeToolCallResponse carries the terminal result of a tool call.
	EventTypeToolCallsUpdate           AgentEventType = "tool_calls_update"            // EventTypeToolCallsUpdate carries a snapshot of every call in the active batch.
	EventTypeToolApprovalRequest       AgentEventType = "tool_approval_request"        // EventTypeToolApprovalRequest indicates a tool call is waiting for a decision.
	EventTypeCompression               AgentEventType = "compression"                  // EventTypeCompression indicates history was compressed.
	EventTypeLoopDetected              AgentEventType = "loop_detected"                // EventTypeLoopDetected indicates the turn sequence was aborted for repetition.
	EventTypeContextWindowWillOverflow AgentEventType = "context_window_will_overflow" // EventTypeContextWindowWillOverflow indicates the request would not fit the context window.
	EventTypeMaxSessionTurns           AgentEventType = "max_session_turns"            // EventTypeMaxSessionTurns indicates the per-session turn ceiling was reached.
	EventTypeMaxTurns                  AgentEventType = "max_turns"                    // EventTypeMaxTurns indicates the per-request turn budget was exhausted.
	EventTypeModelFallback             AgentEventType = "model_fallback"               // EventTypeModelFallback indicates the session switched to the fallback model.
	EventTypeRetry                     AgentEventType = "retry"                        // EventTypeRetry indicates a transient failure is being retried.
	EventTypeFinished                  AgentEventType = "finished"                     // EventTypeFinished carries the finish reason of a model turn.
	EventTypeUserCancelled             AgentEventType = "user_cancelled"               // EventTypeUserCancelled indicates the request was cancelled.
	EventTypeUpdateBusy                AgentEventType = "update_busy"                  // EventTypeUpdateBusy indicates a change in the agent's busy status.
	EventTypeTurnEnd                   AgentEventType = "turn_end"                     // EventTypeTurnEnd indicates control returned to the user.
	EventTypeError                     AgentEventType = "error"                        // EventTypeError indicates an error occurred.
)

// ToolCallStatus is the lifecycle state of a scheduled tool call.
type ToolCallStatus string

const (
	ToolCallValidating       ToolCallStatus = "validating"
	ToolCallScheduled        ToolCallStatus = "scheduled"
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"
	ToolCallExecuting        ToolCallStatus = "executing"
	ToolCallSuccess          ToolCallStatus = "success"
	ToolCallError            ToolCallStatus = "error"
	ToolCallCancelled        ToolCallStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallSuccess || s == ToolCallError || s == ToolCallCancelled
}

// AgentEvent represents an event emitted during a conversation.
type AgentEvent struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]any

	// Error contains error information for error events.
	Error error

	// ToolCall is the request for tool_call_request events.
	ToolCall *ToolCallRequest

	// ToolResponse is the terminal result for tool_call_response events.
	ToolResponse *ToolCallResponse

	// Approval describes the call waiting for a decision.
	Approval *ApprovalRequest

	// Compression reports the outcome of a compression attempt.
	Compression *ChatCompressionInfo

	// Overflow details a context window overflow.
	Overflow *ContextOverflow

	// Fallback details a model switch.
	Fallback *ModelFallback

	// Retry details a retried model call.
	Retry *RetryInfo

	// ToolCalls is a status snapshot of the active batch.
	ToolCalls []ToolCallSnapshot

	// Content holds text for content and thought events, the finish reason
	// for finished events and the loop kind for loop events.
	Content string

	// Type indicates the kind of event.
	Type AgentEventType

	// IsBusy indicates if the agent is busy (for busy status events).
	IsBusy bool
}

// ToolCallResponse is the projection of a terminal tool call.
type ToolCallResponse struct {
	Error     error
	CallID    string
	Name      string
	ErrorType string
	Display   string
	Status    ToolCallStatus
	Part      Part
	Duration  time.Duration
}

// ToolCallSnapshot is a point-in-time view of one call in a batch.
type ToolCallSnapshot struct {
	CallID string
	Name   string
	Status ToolCallStatus
}

// ApprovalRequest describes a tool call awaiting a decision.
type ApprovalRequest struct {
	Args     map[string]any
	Preview  any
	CallID   string
	ToolName string
	Title    string
	Risk     string
}

// ContextOverflow reports an outgoing request that would not fit.
type ContextOverflow struct {
	EstimatedTokens int
	RemainingTokens int
}

// ModelFallback reports a switch to the fallback model.
type ModelFallback struct {
	From string
	To   string
}

// RetryInfo reports a retried model call.
type RetryInfo struct {
	Error   error
	Attempt int
	Delay   time.Duration
}

func newEvent(t AgentEventType) *AgentEvent {
	return &AgentEvent{Type: t, Metadata: make(map[string]any)}
}

// NewContentDeltaEvent creates a content delta event.
func NewContentDeltaEvent(content string) *AgentEvent {
	e := newEvent(EventTypeContentDelta)
	e.Content = content
	return e
}

// NewThoughtEvent creates a thought event.
func NewThoughtEvent(content string) *AgentEvent {
	e := newEvent(EventTypeThought)
	e.Content = content
	return e
}

// NewToolCallRequestEvent creates a tool call request event.
func NewToolCallRequestEvent(req *ToolCallRequest) *AgentEvent {
	e := newEvent(EventTypeToolCallRequest)
	e.ToolCall = req
	return e
}

// NewToolCallResponseEvent creates a tool call response event.
func NewToolCallResponseEvent(resp *ToolCallResponse) *AgentEvent {
	e := newEvent(EventTypeToolCallResponse)
	e.ToolResponse = resp
	return e
}

// NewToolCallsUpdateEvent creates a batch status snapshot event.
func NewToolCallsUpdateEvent(calls []ToolCallSnapshot) *AgentEvent {
	e := newEvent(EventTypeToolCallsUpdate)
	e.ToolCalls = calls
	return e
}

// NewToolApprovalRequestEvent creates an approval request event.
func NewToolApprovalRequestEvent(req *ApprovalRequest) *AgentEvent {
	e := newEvent(EventTypeToolApprovalRequest)
	e.Approval = req
	return e
}

// NewCompressionEvent creates a compression notification event.
func NewCompressionEvent(info *ChatCompressionInfo) *AgentEvent {
	e := newEvent(EventTypeCompression)
	e.Compression = info
	return e
}

// NewLoopDetectedEvent creates a loop detected event.
func NewLoopDetectedEvent(kind string) *AgentEvent {
	e := newEvent(EventTypeLoopDetected)
	e.Content = kind
	return e
}

// NewContextWindowWillOverflowEvent creates a context overflow event.
func NewContextWindowWillOverflowEvent(estimated, remaining int) *AgentEvent {
	e := newEvent(EventTypeContextWindowWillOverflow)
	e.Overflow = &ContextOverflow{EstimatedTokens: estimated, RemainingTokens: remaining}
	return e
}

// NewMaxSessionTurnsEvent creates a session turn ceiling event.
func NewMaxSessionTurnsEvent() *AgentEvent {
	return newEvent(EventTypeMaxSessionTurns)
}

// NewMaxTurnsEvent creates a per-request budget exhausted event.
func NewMaxTurnsEvent() *AgentEvent {
	return newEvent(EventTypeMaxTurns)
}

// NewModelFallbackEvent creates a model fallback event.
func NewModelFallbackEvent(from, to string) *AgentEvent {
	e := newEvent(EventTypeModelFallback)
	e.Fallback = &ModelFallback{From: from, To: to}
	return e
}

// NewRetryEvent creates a retry notification event.
func NewRetryEvent(attempt int, delay time.Duration, err error) *AgentEvent {
	e := newEvent(EventTypeRetry)
	e.Retry = &RetryInfo{Attempt: attempt, Delay: delay, Error: err}
	return e
}

// NewFinishedEvent creates a finished event carrying the finish reason.
func NewFinishedEvent(reason string) *AgentEvent {
	e := newEvent(EventTypeFinished)
	e.Content = reason
	return e
}

// NewUserCancelledEvent creates a cancellation event.
func NewUserCancelledEvent() *AgentEvent {
	return newEvent(EventTypeUserCancelled)
}

// NewUpdateBusyEvent creates a busy status update event.
func NewUpdateBusyEvent(isBusy bool) *AgentEvent {
	e := newEvent(EventTypeUpdateBusy)
	e.IsBusy = isBusy
	return e
}

// NewTurnEndEvent creates a turn end event.
func NewTurnEndEvent() *AgentEvent {
	return newEvent(EventTypeTurnEnd)
}

// NewErrorEvent creates an error event.
func NewErrorEvent(err error) *AgentEvent {
	e := newEvent(EventTypeError)
	e.Error = err
	return e
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *AgentEvent) WithMetadata(key string, value any) *AgentEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// IsContentEvent returns true if the event carries streamed model output.
func (e *AgentEvent) IsContentEvent() bool {
	return e.Type == EventTypeContentDelta || e.Type == EventTypeThought
}

// IsToolEvent returns true if the event relates to tool calls.
func (e *AgentEvent) IsToolEvent() bool {
	switch e.Type {
	case EventTypeToolCallRequest, EventTypeToolCallResponse, EventTypeToolCallsUpdate, EventTypeToolApprovalRequest:
		return true
	}
	return false
}

// IsErrorEvent returns true if this is an error event.
func (e *AgentEvent) IsErrorEvent() bool {
	return e.Type == EventTypeError
}

// IsTerminal returns true if the event ends the current request sequence.
func (e *AgentEvent) IsTerminal() bool {
	switch e.Type {
	case EventTypeError, EventTypeLoopDetected, EventTypeContextWindowWillOverflow,
		EventTypeMaxSessionTurns, EventTypeMaxTurns, EventTypeUserCancelled:
		return true
	}
	return false
}
