// Package cli provides a line-oriented terminal executor for conductor agents.
//
// Example usage:
//
//	ag, _ := agent.NewDefaultAgent(client, registry, policy)
//	executor := cli.NewExecutor(ag, cli.WithShowThinking(true))
//	if err := executor.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/entrhq/conductor/pkg/agent"
	"github.com/entrhq/conductor/pkg/agent/approval"
	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/types"
)

// ErrAgentStopped is returned by Run when the agent closes its event
// channel while a request is in flight.
var ErrAgentStopped = errors.New("agent stopped")

const shutdownTimeout = 5 * time.Second

// Executor is a CLI-based executor that enables turn-by-turn conversation
// with an agent through terminal input/output.
type Executor struct {
	agent  agent.Agent
	reader io.Reader
	writer io.Writer

	showThinking bool

	inMessage bool
	inThought bool
	statuses  map[string]types.ToolCallStatus
	pending   []*types.ApprovalRequest
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*Executor)

// WithShowThinking enables/disables displaying the agent's thinking process.
func WithShowThinking(show bool) ExecutorOption {
	return func(e *Executor) {
		e.showThinking = show
	}
}

// WithWriter sets a custom output writer (default is os.Stdout).
func WithWriter(w io.Writer) ExecutorOption {
	return func(e *Executor) {
		e.writer = w
	}
}

// WithReader sets a custom input reader (default is os.Stdin).
func WithReader(r io.Reader) ExecutorOption {
	return func(e *Executor) {
		e.reader = r
	}
}

// NewExecutor creates a new CLI executor for the given agent.
func NewExecutor(ag agent.Agent, opts ...ExecutorOption) *Executor {
	e := &Executor{
		agent:        ag,
		reader:       os.Stdin,
		writer:       os.Stdout,
		showThinking: true,
		statuses:     make(map[string]types.ToolCallStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the agent and reads requests until the user exits, input ends
// or ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	channels := e.agent.GetChannels()
	lines := readLines(e.reader)

	fmt.Fprintln(e.writer, headerStyle.Render("Conductor"))
	fmt.Fprintln(e.writer, tipsStyle.Render("Type a message and press Enter. Commands: /compress, /mode <default|autoEdit|yolo>, /context, exit."))
	fmt.Fprintln(e.writer)

	for {
		fmt.Fprint(e.writer, "> ")

		var line string
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				e.shutdown(ctx)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "exit" || line == "quit" {
			e.shutdown(ctx)
			return nil
		}
		if line == "" {
			continue
		}

		input, waitTurn := e.parseLine(line)
		if input == nil {
			continue
		}
		select {
		case channels.Input <- input:
		case <-ctx.Done():
			e.shutdown(ctx)
			return ctx.Err()
		}
		if !waitTurn {
			continue
		}

		if err := e.awaitTurn(ctx, channels, lines); err != nil {
			e.shutdown(ctx)
			if errors.Is(err, ErrAgentStopped) {
				return err
			}
			return ctx.Err()
		}
	}
}

// parseLine turns a line into an agent input. waitTurn is false for inputs
// the agent applies without running a request.
func (e *Executor) parseLine(line string) (input *types.Input, waitTurn bool) {
	if !strings.HasPrefix(line, "/") {
		return types.NewUserInput(line), true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/compress":
		return types.NewCompressInput(), true
	case "/mode":
		if len(fields) != 2 {
			e.printError(errors.New("usage: /mode <default|autoEdit|yolo>"))
			return nil, false
		}
		mode, err := approval.ParseMode(fields[1])
		if err != nil {
			e.printError(err)
			return nil, false
		}
		fmt.Fprintln(e.writer, noticeStyle.Render(fmt.Sprintf("Approval mode set to %s", mode)))
		return types.NewApprovalModeInput(string(mode)), false
	case "/context":
		e.printContext()
		return nil, false
	default:
		return types.NewUserInput(line), true
	}
}

// awaitTurn renders events until the agent hands control back, answering
// approval requests along the way.
func (e *Executor) awaitTurn(ctx context.Context, channels *types.AgentChannels, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-channels.Event:
			if !ok {
				return ErrAgentStopped
			}
			if e.handleEvent(ev) {
				return nil
			}
		}

		for len(e.pending) > 0 {
			if done, err := e.drainEvents(channels); done || err != nil {
				return err
			}
			req := e.nextApproval()
			if req == nil {
				break
			}
			outcome := e.askApproval(ctx, req, lines)
			select {
			case channels.Input <- types.NewApprovalInput(req.CallID, string(outcome)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// drainEvents handles events that are already buffered so approval prompts
// see current call states. done reports a turn end.
func (e *Executor) drainEvents(channels *types.AgentChannels) (done bool, err error) {
	for {
		select {
		case ev, ok := <-channels.Event:
			if !ok {
				return true, ErrAgentStopped
			}
			if e.handleEvent(ev) {
				return true, nil
			}
		default:
			return false, nil
		}
	}
}

// nextApproval pops the first queued request whose call is still awaiting a
// decision. Requests for calls that timed out or were cancelled are dropped.
func (e *Executor) nextApproval() *types.ApprovalRequest {
	for len(e.pending) > 0 {
		req := e.pending[0]
		e.pending = e.pending[1:]
		if e.statuses[req.CallID] == types.ToolCallAwaitingApproval {
			return req
		}
	}
	return nil
}

func (e *Executor) askApproval(ctx context.Context, req *types.ApprovalRequest, lines <-chan string) approval.Outcome {
	e.renderApproval(req)
	for {
		fmt.Fprint(e.writer, headerStyle.Render("Approve? [y]es / [a]lways / [n]o: "))
		select {
		case <-ctx.Done():
			return approval.OutcomeCancel
		case answer, ok := <-lines:
			if !ok {
				return approval.OutcomeCancel
			}
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				return approval.OutcomeProceedOnce
			case "a", "always":
				return approval.OutcomeProceedAlways
			case "n", "no":
				return approval.OutcomeCancel
			}
		}
	}
}

// handleEvent renders one event and reports whether it ended the turn.
func (e *Executor) handleEvent(ev *types.AgentEvent) bool {
	if ev.Type != types.EventTypeContentDelta && ev.Type != types.EventTypeThought {
		e.endStreaming()
	}

	switch ev.Type {
	case types.EventTypeContentDelta:
		if e.inThought {
			e.inThought = false
			fmt.Fprintln(e.writer)
		}
		if !e.inMessage {
			fmt.Fprintln(e.writer, assistantStyle.Render("Assistant:"))
			e.inMessage = true
		}
		fmt.Fprint(e.writer, ev.Content)

	case types.EventTypeThought:
		if !e.showThinking {
			return false
		}
		if !e.inThought {
			fmt.Fprintln(e.writer, thinkingStyle.Render("[Thinking...]"))
			e.inThought = true
		}
		fmt.Fprint(e.writer, thinkingStyle.Render(ev.Content))

	case types.EventTypeToolCallRequest:
		if ev.ToolCall != nil {
			fmt.Fprintln(e.writer, toolStyle.Render(fmt.Sprintf("🔧 Tool: %s%s", ev.ToolCall.Name, formatArgs(ev.ToolCall.Args))))
		}

	case types.EventTypeToolCallsUpdate:
		for _, snap := range ev.ToolCalls {
			e.statuses[snap.CallID] = snap.Status
		}

	case types.EventTypeToolApprovalRequest:
		if ev.Approval != nil {
			e.statuses[ev.Approval.CallID] = types.ToolCallAwaitingApproval
			e.pending = append(e.pending, ev.Approval)
		}

	case types.EventTypeToolCallResponse:
		if ev.ToolResponse != nil {
			e.statuses[ev.ToolResponse.CallID] = ev.ToolResponse.Status
			e.renderToolResponse(ev.ToolResponse)
		}

	case types.EventTypeCompression:
		if info := ev.Compression; info != nil {
			fmt.Fprintln(e.writer, noticeStyle.Render(fmt.Sprintf("History compression %s: %d → %d tokens",
				info.Status, info.OriginalTokenCount, info.NewTokenCount)))
		}

	case types.EventTypeLoopDetected:
		fmt.Fprintln(e.writer, errorStyle.Render(fmt.Sprintf("⚠ Stopped: repetitive behaviour detected (%s)", ev.Content)))

	case types.EventTypeContextWindowWillOverflow:
		if o := ev.Overflow; o != nil {
			fmt.Fprintln(e.writer, errorStyle.Render(fmt.Sprintf("⚠ Request of ~%d tokens does not fit the %d tokens left; try /compress",
				o.EstimatedTokens, o.RemainingTokens)))
		}

	case types.EventTypeMaxSessionTurns:
		fmt.Fprintln(e.writer, errorStyle.Render("⚠ Session turn limit reached"))

	case types.EventTypeMaxTurns:
		fmt.Fprintln(e.writer, errorStyle.Render("⚠ Turn budget for this request exhausted"))

	case types.EventTypeModelFallback:
		if f := ev.Fallback; f != nil {
			fmt.Fprintln(e.writer, noticeStyle.Render(fmt.Sprintf("Switched from %s to %s after repeated rate limits", f.From, f.To)))
		}

	case types.EventTypeRetry:
		if r := ev.Retry; r != nil {
			fmt.Fprintln(e.writer, tipsStyle.Render(fmt.Sprintf("Retrying (attempt %d) in %s: %v", r.Attempt, r.Delay.Round(time.Millisecond), r.Error)))
		}

	case types.EventTypeUserCancelled:
		fmt.Fprintln(e.writer, noticeStyle.Render("Request cancelled"))

	case types.EventTypeError:
		e.printError(ev.Error)

	case types.EventTypeTurnEnd:
		e.pending = nil
		clear(e.statuses)
		e.printContext()
		return true
	}
	return false
}

func (e *Executor) endStreaming() {
	if e.inMessage || e.inThought {
		fmt.Fprintln(e.writer)
	}
	e.inMessage = false
	e.inThought = false
}

func (e *Executor) renderToolResponse(resp *types.ToolCallResponse) {
	switch resp.Status {
	case types.ToolCallSuccess:
		out := resp.Display
		if out == "" {
			out = "done"
		}
		fmt.Fprintln(e.writer, toolResultStyle.Render(fmt.Sprintf("✅ %s: %s", resp.Name, out)))
	case types.ToolCallCancelled:
		fmt.Fprintln(e.writer, tipsStyle.Render(fmt.Sprintf("⏹ %s cancelled", resp.Name)))
	default:
		fmt.Fprintln(e.writer, errorStyle.Render(fmt.Sprintf("❌ Tool Error (%s): %v", resp.Name, resp.Error)))
	}
}

func (e *Executor) renderApproval(req *types.ApprovalRequest) {
	var b strings.Builder
	title := req.Title
	if title == "" {
		title = req.ToolName
	}
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(title))
	fmt.Fprintf(&b, "%s", tipsStyle.Render(fmt.Sprintf("tool: %s  risk: %s", req.ToolName, req.Risk)))

	if p, ok := req.Preview.(*tools.Preview); ok && p != nil && p.Content != "" {
		b.WriteString("\n\n")
		if p.Type == tools.PreviewTypeDiff {
			b.WriteString(renderDiff(p.Content))
		} else {
			b.WriteString(strings.TrimRight(p.Content, "\n"))
		}
	} else if args := formatArgs(req.Args); args != "" {
		b.WriteString("\n\n")
		b.WriteString(args)
	}
	fmt.Fprintln(e.writer, approvalBoxStyle.Render(b.String()))
}

func renderDiff(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			lines[i] = diffHunkStyle.Render(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = diffAddStyle.Render(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = diffDelStyle.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// formatArgs renders arguments as " key=value ..." in key order, shortening
// long values.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := strings.ReplaceAll(fmt.Sprint(args[k]), "\n", "⏎")
		if r := []rune(v); len(r) > 60 {
			v = string(r[:57]) + "..."
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

func (e *Executor) printContext() {
	info := e.agent.GetContextInfo()
	model := info.LockedModel
	if model == "" {
		model = info.Model
	}
	status := fmt.Sprintf("%s · %d messages · ~%d tokens", model, info.MessageCount, info.EstimatedTokens)
	if info.TokenLimit > 0 {
		status += fmt.Sprintf(" / %d", info.TokenLimit)
	}
	if info.InFallback {
		status += " · fallback"
	}
	fmt.Fprintln(e.writer, statusBarStyle.Render(status))
}

func (e *Executor) printError(err error) {
	fmt.Fprintln(e.writer, errorStyle.Render(fmt.Sprintf("❌ Error: %v", err)))
}

// shutdown stops the agent and waits for it to exit.
func (e *Executor) shutdown(ctx context.Context) {
	fmt.Fprintln(e.writer, tipsStyle.Render("\nShutting down..."))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- e.agent.Shutdown(shutdownCtx) }()

	// Keep draining so an in-flight request can emit its last events and exit.
	events := e.agent.GetChannels().Event
	for {
		select {
		case err := <-errc:
			if err != nil {
				fmt.Fprintf(e.writer, "Warning: shutdown error: %v\n", err)
			}
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// readLines feeds lines from r into the returned channel and closes it at
// end of input.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
