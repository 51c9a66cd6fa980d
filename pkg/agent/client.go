package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	agentcontext "github.com/entrhq/conductor/pkg/agent/context"
	"github.com/entrhq/conductor/pkg/agent/ide"
	"github.com/entrhq/conductor/pkg/agent/loopdetect"
	"github.com/entrhq/conductor/pkg/agent/routing"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/llm/tokenizer"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

const (
	// MaxTurns caps the turn budget of a single SendMessageStream call.
	MaxTurns = 100

	// overflowMargin is the share of the remaining context a request may use.
	overflowMargin = 0.95

	// cancelledEmitWait bounds how long a cancelled sequence waits for the
	// host to take each remaining event.
	cancelledEmitWait = 100 * time.Millisecond
)

// Config configures a Client. The zero value of every field has a usable default.
type Config struct {
	Sink      telemetry.Sink
	Estimator tokenizer.Estimator
	Retry     *llm.RetryPolicy
	// Router overrides the default routing chain.
	Router routing.Strategy
	IDE    ide.Source

	// Model is the configured model; routing.AutoModel lets the router choose.
	Model string
	// DefaultModel is used when Model is auto and nothing else decides.
	DefaultModel       string
	FallbackModel      string
	NextSpeakerModel   string
	SummarizationModel string
	// ClassifierModel enables the routing classifier when SimpleModel and
	// ComplexModel are also set.
	ClassifierModel string
	SimpleModel     string
	ComplexModel    string

	SystemInstruction string
	Tools             []llm.ToolDeclaration

	// MaxSessionTurns limits model turns across the session; zero is unlimited.
	MaxSessionTurns int
	// TokenLimit overrides the catalog context window.
	TokenLimit int

	CompressionThreshold        float64
	CompressionPreserveFraction float64

	SkipNextSpeakerCheck bool
	DisableLoopDetection bool
}

// WithModel returns a copy of the config pinned to model.
func (c Config) WithModel(model string) Config {
	c.Model = model
	return c
}

func (c Config) defaultModel() string {
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	if c.Model != "" && c.Model != routing.AutoModel {
		return c.Model
	}
	return ""
}

// ContextInfo is a point-in-time view of the session's context usage.
type ContextInfo struct {
	Model            string
	LockedModel      string
	PromptID         string
	MessageCount     int
	EstimatedTokens  int
	LastPromptTokens int
	TokenLimit       int
	SessionTurns     int
	InFallback       bool
}

// Stream is the result of SendMessageStream. Events must be drained; Turn
// and Err are valid once Events is closed.
type Stream struct {
	events  chan *types.AgentEvent
	turn    *Turn
	err     error
	aborted bool
}

// Events returns the event channel.
func (s *Stream) Events() <-chan *types.AgentEvent {
	return s.events
}

// Turn returns the last turn that ran, or nil if none did.
func (s *Stream) Turn() *Turn {
	return s.turn
}

// Err returns a hard error that ended the sequence, such as ErrHistoryInvariant.
func (s *Stream) Err() error {
	return s.err
}

// Completed reports whether the last turn finished normally, so its pending
// tool calls are committed to history and may be scheduled.
func (s *Stream) Completed() bool {
	return s.turn != nil && s.turn.Err() == nil && !s.aborted
}

// Client orchestrates a conversation: routing, compression, loop detection
// and continuation. Tool execution is left to the caller.
//
// History lives in memory only; a crash mid-sequence loses the in-flight turn.
type Client struct {
	cfg        Config
	provider   llm.Provider
	retry      *llm.RetryPolicy
	estimator  tokenizer.Estimator
	router     routing.Strategy
	compressor *agentcontext.Compressor
	loop       *loopdetect.Detector

	mu                sync.Mutex
	chat              *Chat
	ideTracker        ide.Tracker
	lastPromptID      string
	lockedModel       string
	sessionTurns      int
	inFallback        bool
	fallbackUsed      bool
	compressionFailed bool
	notify            func(*types.AgentEvent)
}

// NewClient creates a client talking to provider.
func NewClient(provider llm.Provider, cfg Config) (*Client, error) {
	if provider == nil {
		return nil, errors.New("client requires a provider")
	}
	if cfg.Model == "" {
		cfg.Model = routing.AutoModel
	}
	if cfg.defaultModel() == "" && cfg.Router == nil {
		return nil, errors.New("client requires a model or a default model")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.Estimator == nil {
		cfg.Estimator = tokenizer.CharEstimator{}
	}
	if cfg.Retry == nil {
		cfg.Retry = llm.DefaultRetryPolicy()
	}

	c := &Client{
		cfg:       cfg,
		provider:  provider,
		estimator: cfg.Estimator,
		loop:      loopdetect.New(),
	}
	c.retry = cfg.Retry.WithFallback(c.handleFallback)

	c.router = cfg.Router
	if c.router == nil {
		var classifier *routing.Classifier
		if cfg.ClassifierModel != "" && cfg.SimpleModel != "" && cfg.ComplexModel != "" {
			classifier = &routing.Classifier{
				Generator:    c,
				Model:        cfg.ClassifierModel,
				SimpleModel:  cfg.SimpleModel,
				ComplexModel: cfg.ComplexModel,
			}
		}
		c.router = routing.NewDefaultRouter(cfg.defaultModel(), classifier)
	}

	c.compressor = agentcontext.NewCompressor(c,
		agentcontext.WithThreshold(cfg.CompressionThreshold),
		agentcontext.WithPreserveFraction(cfg.CompressionPreserveFraction),
		agentcontext.WithEstimator(cfg.Estimator),
	)
	c.chat = c.newChat()
	return c, nil
}

func (c *Client) newChat(history ...*types.Message) *Chat {
	return NewChat(c.provider, c.retry, c.cfg.SystemInstruction, c.cfg.Tools, c.cfg.Sink, history...)
}

// Chat returns the chat holding the session history.
func (c *Client) Chat() *Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

// History returns a copy of the full history.
func (c *Client) History() []*types.Message {
	return c.Chat().History(false)
}

// AddHistory appends a message without contacting the model.
func (c *Client) AddHistory(m *types.Message) error {
	return c.Chat().AddHistory(m)
}

// ResetChat starts an empty chat and clears every session flag.
func (c *Client) ResetChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = c.newChat()
	c.ideTracker.Reset()
	c.lastPromptID = ""
	c.lockedModel = ""
	c.sessionTurns = 0
	c.inFallback = false
	c.fallbackUsed = false
	c.compressionFailed = false
	c.loop.Reset("")
}

// InFallback reports whether persistent rate limiting switched the session
// to the fallback model.
func (c *Client) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFallback
}

// LockedModel returns the model locked for the current prompt id.
func (c *Client) LockedModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedModel
}

// ContextInfo reports the session's context usage.
func (c *Client) ContextInfo() ContextInfo {
	chat := c.Chat()
	history := chat.AccountedHistory()
	model := c.currentModel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextInfo{
		Model:            model,
		LockedModel:      c.lockedModel,
		PromptID:         c.lastPromptID,
		MessageCount:     len(history),
		EstimatedTokens:  c.estimator.CountMessages(history),
		LastPromptTokens: chat.LastPromptTokens(),
		TokenLimit:       c.tokenLimit(model),
		SessionTurns:     c.sessionTurns,
		InFallback:       c.inFallback,
	}
}

func (c *Client) tokenLimit(model string) int {
	if c.cfg.TokenLimit > 0 {
		return c.cfg.TokenLimit
	}
	return llm.TokenLimit(model)
}

// currentModel is the model the next call would use absent routing.
func (c *Client) currentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.lockedModel != "":
		return c.lockedModel
	case c.inFallback && c.cfg.FallbackModel != "":
		return c.cfg.FallbackModel
	default:
		return c.cfg.defaultModel()
	}
}

// SendMessageStream sends msg and keeps the model talking, within
// turnBudget turns, for as long as it intends to continue on its own. Tool
// calls end the sequence; the caller runs them and sends the responses back
// with the same promptID.
//
// A turnBudget of 0 selects MaxTurns and larger values are clamped to it. A
// negative budget is already spent: the stream carries a single max_turns
// event and the model is not contacted.
func (c *Client) SendMessageStream(ctx context.Context, msg *types.Message, promptID string, turnBudget int) *Stream {
	s := &Stream{events: make(chan *types.AgentEvent)}
	go c.run(ctx, s, msg, promptID, turnBudget)
	return s
}

func (c *Client) run(ctx context.Context, s *Stream, msg *types.Message, promptID string, budget int) {
	defer close(s.events)
	emit := func(ev *types.AgentEvent) {
		select {
		case s.events <- ev:
		case <-ctx.Done():
			// The host may have stopped reading.
			select {
			case s.events <- ev:
			case <-time.After(cancelledEmitWait):
			}
		}
	}

	c.mu.Lock()
	c.notify = emit
	if promptID != c.lastPromptID {
		c.lastPromptID = promptID
		c.lockedModel = ""
		c.loop.Reset(promptID)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.notify = nil
		c.mu.Unlock()
	}()

	if budget == 0 || budget > MaxTurns {
		budget = MaxTurns
	}

	for remaining := budget; ; remaining-- {
		if remaining <= 0 {
			emit(types.NewMaxTurnsEvent())
			return
		}

		c.mu.Lock()
		c.sessionTurns++
		exceeded := c.cfg.MaxSessionTurns > 0 && c.sessionTurns > c.cfg.MaxSessionTurns
		chat := c.chat
		c.mu.Unlock()
		if exceeded {
			emit(types.NewMaxSessionTurnsEvent())
			return
		}

		model := c.currentModel()
		estimated := c.estimator.CountMessages([]*types.Message{msg})
		available := c.tokenLimit(model) - chat.LastPromptTokens()
		if float64(estimated) > float64(available)*overflowMargin {
			emit(types.NewContextWindowWillOverflowEvent(estimated, available))
			return
		}

		info, err := c.TryCompressChat(ctx, promptID, false)
		if err != nil {
			agentDebugLog.Warnf("History compression failed, continuing uncompressed: %v", err)
		} else if info.Status == types.CompressionCompressed {
			emit(types.NewCompressionEvent(&info))
		}

		c.injectIDEContext(chat)

		model, err = c.resolveModel(ctx, chat, msg, promptID)
		if err != nil {
			s.err = err
			emit(types.NewErrorEvent(err))
			return
		}

		turn := NewTurn(chat, promptID)
		s.turn = turn
		if stop := c.runTurn(ctx, s, turn, model, msg, emit); stop {
			return
		}

		if len(turn.PendingToolCalls()) > 0 || ctx.Err() != nil || c.cfg.SkipNextSpeakerCheck {
			return
		}
		if next := c.checkNextSpeaker(ctx, chat, promptID, model); next != speakerModel {
			return
		}
		msg = continuationMessage()
	}
}

// runTurn forwards one turn's events, aborting on loop detection. It
// reports whether the sequence must stop.
func (c *Client) runTurn(ctx context.Context, s *Stream, turn *Turn, model string, msg *types.Message, emit func(*types.AgentEvent)) bool {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := turn.Run(turnCtx, model, msg)
	for ev := range events {
		if !c.cfg.DisableLoopDetection && c.loop.AddAndCheck(ev) {
			cancel()
			for range events {
			}
			s.aborted = true
			kind := c.loop.Detected()
			agentDebugLog.Warnf("Loop detected for prompt %s: %s", turn.promptID, kind)
			telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
				Name:   telemetry.EventLoopDetected,
				Model:  model,
				Status: string(kind),
				Attrs:  map[string]any{"prompt_id": turn.promptID},
			})
			emit(types.NewLoopDetectedEvent(string(kind)))
			return true
		}
		emit(ev)
	}

	if err := turn.Err(); err != nil {
		if errors.Is(err, ErrHistoryInvariant) {
			s.err = err
		}
		return true
	}
	return false
}

// injectIDEContext adds editor state as a user message unless a tool call is
// waiting for its response.
func (c *Client) injectIDEContext(chat *Chat) {
	if c.cfg.IDE == nil {
		return
	}
	if last := chat.LastMessage(); last != nil && last.Role == types.RoleModel && last.HasFunctionCall() {
		return
	}
	c.mu.Lock()
	text, err := c.ideTracker.Render(c.cfg.IDE.Current())
	c.mu.Unlock()
	if err != nil {
		agentDebugLog.Warnf("Skipping editor context: %v", err)
		return
	}
	if text == "" {
		return
	}
	if err := chat.AddHistory(syntheticUserMessage(text)); err != nil {
		agentDebugLog.Warnf("Skipping editor context: %v", err)
	}
}

// resolveModel returns the model locked for promptID, routing and locking
// one if the sequence has none yet.
func (c *Client) resolveModel(ctx context.Context, chat *Chat, msg *types.Message, promptID string) (string, error) {
	c.mu.Lock()
	if c.lockedModel != "" {
		model := c.lockedModel
		c.mu.Unlock()
		return model, nil
	}
	rc := &routing.Context{
		Request:         msg,
		PromptID:        promptID,
		ConfiguredModel: c.cfg.Model,
		FallbackModel:   c.cfg.FallbackModel,
		InFallback:      c.inFallback,
	}
	c.mu.Unlock()

	for _, m := range chat.History(true) {
		if !isSynthetic(m) {
			rc.History = append(rc.History, m)
		}
	}

	decision, err := c.router.Route(ctx, rc)
	if err != nil {
		return "", fmt.Errorf("failed to route request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPromptID == promptID {
		c.lockedModel = decision.Model
	}
	return decision.Model, nil
}

// handleFallback switches the session to the fallback model once.
func (c *Client) handleFallback(_ context.Context, failedModel string, err error) (string, bool) {
	c.mu.Lock()
	fallback := c.cfg.FallbackModel
	if c.fallbackUsed || fallback == "" || fallback == failedModel {
		c.mu.Unlock()
		return "", false
	}
	c.fallbackUsed = true
	c.inFallback = true
	if c.lockedModel != "" {
		c.lockedModel = fallback
	}
	notify := c.notify
	c.mu.Unlock()

	agentDebugLog.Warnf("Model %s is persistently rate limited, switching to %s: %v", failedModel, fallback, err)
	telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
		Name:   telemetry.EventModelFallback,
		Model:  fallback,
		Status: "switched",
		Attrs:  map[string]any{"from": failedModel},
	})
	if notify != nil {
		notify(types.NewModelFallbackEvent(failedModel, fallback))
	}
	return fallback, true
}

// TryCompressChat compresses the history when it is over threshold, or
// unconditionally when force is set. A forced call clears the flag left by
// an earlier inflated attempt.
func (c *Client) TryCompressChat(ctx context.Context, promptID string, force bool) (types.ChatCompressionInfo, error) {
	c.mu.Lock()
	if force {
		c.compressionFailed = false
	}
	failed := c.compressionFailed
	chat := c.chat
	c.mu.Unlock()

	model := c.currentModel()
	start := time.Now()
	res, err := c.compressor.Compress(ctx, agentcontext.Request{
		History:         chat.AccountedHistory(),
		Model:           model,
		SummaryModel:    c.cfg.SummarizationModel,
		PromptID:        promptID,
		OriginalTokens:  chat.LastPromptTokens(),
		TokenLimit:      c.cfg.TokenLimit,
		Force:           force,
		HasFailedBefore: failed,
	})
	if err != nil {
		telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
			Name:     telemetry.EventChatCompression,
			Model:    model,
			Status:   "error",
			Duration: time.Since(start),
		})
		return types.ChatCompressionInfo{Status: types.CompressionNoop}, err
	}

	switch res.Info.Status {
	case types.CompressionCompressed:
		chat.SetHistory(res.History)
		chat.SetLastPromptTokens(res.Info.NewTokenCount)
		c.mu.Lock()
		c.ideTracker.Reset()
		c.mu.Unlock()
	case types.CompressionFailedInflatedTokenCnt:
		if !force {
			c.mu.Lock()
			c.compressionFailed = true
			c.mu.Unlock()
		}
	case types.CompressionNoop:
		return res.Info, nil
	}

	telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
		Name:     telemetry.EventChatCompression,
		Model:    model,
		Status:   string(res.Info.Status),
		Duration: time.Since(start),
		Attrs: map[string]any{
			"original_tokens": res.Info.OriginalTokenCount,
			"new_tokens":      res.Info.NewTokenCount,
		},
	})
	return res.Info, nil
}

// GenerateContent performs a non-streaming call through the retry policy.
func (c *Client) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return llm.Do(ctx, c.retry, req.Model, func(ctx context.Context, model string) (*llm.Response, error) {
		r := *req
		r.Model = model
		return c.provider.GenerateContent(ctx, &r)
	})
}

// GenerateJSON asks for a single JSON object and parses it. Unparsable
// output is reported as *llm.MalformedOutputError.
func (c *Client) GenerateJSON(ctx context.Context, req *llm.Request) (map[string]any, error) {
	r := *req
	r.Config.ResponseJSON = true
	if r.Model == "" {
		r.Model = c.currentModel()
	}

	resp, err := c.GenerateContent(ctx, &r)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp.Text())
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
			Name:   telemetry.EventMalformedOutput,
			Model:  r.Model,
			Status: "invalid_json",
		})
		return nil, &llm.MalformedOutputError{Reason: "response is not a JSON object", Raw: raw, Cause: err}
	}
	return out, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
