// Package loopdetect watches a turn's event stream for pathological
// repetition: the same tool call issued over and over, or the model chanting
// the same text.
package loopdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/entrhq/conductor/pkg/types"
)

// Kind identifies which repetition was detected.
type Kind string

const (
	KindNone              Kind = ""
	KindRepeatedToolCalls Kind = "consecutive_identical_tool_calls"
	KindRepeatedContent   Kind = "chanting_identical_sentences"
)

const (
	DefaultToolCallLimit    = 5
	DefaultContentLimit     = 10
	DefaultContentChunkSize = 50
	DefaultMaxHistoryLength = 1000
)

var (
	tablePattern      = regexp.MustCompile(`(^|\n)\s*(\|.*\||[|+-]{3,})`)
	listPattern       = regexp.MustCompile(`(^|\n)\s*([*+-]|\d+\.)\s`)
	headingPattern    = regexp.MustCompile(`(^|\n)#+\s`)
	blockquotePattern = regexp.MustCompile(`(^|\n)>\s`)
	dividerPattern    = regexp.MustCompile(`^[+\-_=*\x{2500}-\x{257F}]+$`)
)

// Detector holds per-sequence repetition state. Reset it whenever a new
// logical request sequence starts.
type Detector struct {
	mu sync.Mutex

	toolCallLimit int
	contentLimit  int
	chunkSize     int
	maxHistory    int

	promptID      string
	lastToolKey   string
	toolRepeats   int
	content       string
	contentStats  map[string][]int
	contentCursor int
	inCodeBlock   bool
	detected      Kind
}

// Option configures a Detector.
type Option func(*Detector)

// WithToolCallLimit sets how many identical consecutive tool calls count as a loop.
func WithToolCallLimit(n int) Option {
	return func(d *Detector) {
		if n > 1 {
			d.toolCallLimit = n
		}
	}
}

// WithContentLimit sets how many repeats of a content chunk count as a loop.
func WithContentLimit(n int) Option {
	return func(d *Detector) {
		if n > 1 {
			d.contentLimit = n
		}
	}
}

// WithChunkSize sets the content window length.
func WithChunkSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// New creates a detector with the default limits.
func New(opts ...Option) *Detector {
	d := &Detector{
		toolCallLimit: DefaultToolCallLimit,
		contentLimit:  DefaultContentLimit,
		chunkSize:     DefaultContentChunkSize,
		maxHistory:    DefaultMaxHistoryLength,
		contentStats:  make(map[string][]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxHistory < d.chunkSize {
		d.maxHistory = d.chunkSize * 2
	}
	return d
}

// Reset clears all state and remembers the prompt id of the new sequence.
func (d *Detector) Reset(promptID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promptID = promptID
	d.lastToolKey = ""
	d.toolRepeats = 0
	d.detected = KindNone
	d.inCodeBlock = false
	d.resetContentLocked()
}

// PromptID returns the prompt id passed to the last Reset.
func (d *Detector) PromptID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promptID
}

// Detected returns the kind of the loop found so far, if any.
func (d *Detector) Detected() Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// AddAndCheck feeds one stream event and reports whether a loop is present.
// Once a loop is detected every later call returns true until Reset.
func (d *Detector) AddAndCheck(ev *types.AgentEvent) bool {
	if ev == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detected != KindNone {
		return true
	}

	var kind Kind
	switch ev.Type {
	case types.EventTypeToolCallRequest:
		d.resetContentLocked()
		if ev.ToolCall != nil && d.checkToolCallLocked(ev.ToolCall) {
			kind = KindRepeatedToolCalls
		}
	case types.EventTypeContentDelta:
		if d.checkContentLocked(ev.Content) {
			kind = KindRepeatedContent
		}
	}
	d.detected = kind
	return kind != KindNone
}

func toolCallKey(call *types.ToolCallRequest) string {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte("{}")
	}
	h := sha256.Sum256([]byte(call.Name + ":" + string(args)))
	return hex.EncodeToString(h[:])
}

func (d *Detector) checkToolCallLocked(call *types.ToolCallRequest) bool {
	key := toolCallKey(call)
	if key == d.lastToolKey {
		d.toolRepeats++
	} else {
		d.lastToolKey = key
		d.toolRepeats = 1
	}
	return d.toolRepeats >= d.toolCallLimit
}

// checkContentLocked tracks streamed text outside code blocks and structured
// markdown, where repetition is expected.
func (d *Detector) checkContentLocked(content string) bool {
	fences := strings.Count(content, "```")
	structured := tablePattern.MatchString(content) ||
		listPattern.MatchString(content) ||
		headingPattern.MatchString(content) ||
		blockquotePattern.MatchString(content)
	divider := dividerPattern.MatchString(strings.TrimSpace(content))

	if fences > 0 || structured {
		d.resetContentLocked()
	}

	wasInCodeBlock := d.inCodeBlock
	if fences%2 == 1 {
		d.inCodeBlock = !d.inCodeBlock
	}
	if wasInCodeBlock || d.inCodeBlock || divider {
		return false
	}

	d.content += content
	d.truncateLocked()
	return d.analyzeLocked()
}

func (d *Detector) truncateLocked() {
	if len(d.content) <= d.maxHistory {
		return
	}
	cut := len(d.content) - d.maxHistory
	d.content = d.content[cut:]
	d.contentCursor = max(0, d.contentCursor-cut)

	for hash, positions := range d.contentStats {
		kept := positions[:0]
		for _, p := range positions {
			if p-cut >= 0 {
				kept = append(kept, p-cut)
			}
		}
		if len(kept) == 0 {
			delete(d.contentStats, hash)
		} else {
			d.contentStats[hash] = kept
		}
	}
}

func (d *Detector) analyzeLocked() bool {
	for d.contentCursor+d.chunkSize <= len(d.content) {
		chunk := d.content[d.contentCursor : d.contentCursor+d.chunkSize]
		if d.chunkRepeatsLocked(chunk, d.contentCursor) {
			return true
		}
		d.contentCursor++
	}
	return false
}

func (d *Detector) chunkRepeatsLocked(chunk string, index int) bool {
	sum := sha256.Sum256([]byte(chunk))
	hash := hex.EncodeToString(sum[:])

	positions, seen := d.contentStats[hash]
	if !seen {
		d.contentStats[hash] = []int{index}
		return false
	}
	first := positions[0]
	if first+d.chunkSize > len(d.content) || d.content[first:first+d.chunkSize] != chunk {
		return false
	}

	positions = append(positions, index)
	d.contentStats[hash] = positions
	if len(positions) < d.contentLimit {
		return false
	}

	recent := positions[len(positions)-d.contentLimit:]
	avgDistance := float64(recent[len(recent)-1]-recent[0]) / float64(d.contentLimit-1)
	return avgDistance <= float64(d.chunkSize)*1.5
}

func (d *Detector) resetContentLocked() {
	d.content = ""
	d.contentStats = make(map[string][]int)
	d.contentCursor = 0
}
