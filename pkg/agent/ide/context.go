// Package ide renders editor state as synthetic user messages: a full
// snapshot the first time, then only what changed.
package ide

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Cursor is a 1-based position in a file.
type Cursor struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// File is an open editor buffer.
type File struct {
	Cursor       *Cursor `json:"cursor,omitempty"`
	Path         string  `json:"path"`
	SelectedText string  `json:"selectedText,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	IsActive     bool    `json:"isActive,omitempty"`
}

// Context is a snapshot of the editor.
type Context struct {
	OpenFiles []File `json:"openFiles"`
}

// Source supplies the current editor snapshot; nil means no editor is connected.
type Source interface {
	Current() *Context
}

// SourceFunc adapts a function to Source.
type SourceFunc func() *Context

func (f SourceFunc) Current() *Context { return f() }

const (
	fullPreamble  = "Here is the user's editor context as a JSON object. This is for your information only."
	deltaPreamble = "Here is a summary of changes in the user's editor context, in JSON format. This is for your information only."
)

type activeFile struct {
	Cursor       *Cursor `json:"cursor,omitempty"`
	Path         string  `json:"path"`
	SelectedText string  `json:"selectedText,omitempty"`
}

type fullSnapshot struct {
	ActiveFile     *activeFile `json:"activeFile,omitempty"`
	OtherOpenFiles []string    `json:"otherOpenFiles,omitempty"`
}

type delta struct {
	ActiveFileChanged *activeFile `json:"activeFileChanged,omitempty"`
	CursorMoved       *activeFile `json:"cursorMoved,omitempty"`
	SelectionChanged  *activeFile `json:"selectionChanged,omitempty"`
	FilesOpened       []string    `json:"filesOpened,omitempty"`
	FilesClosed       []string    `json:"filesClosed,omitempty"`
}

func (d delta) empty() bool {
	return d.ActiveFileChanged == nil && d.CursorMoved == nil && d.SelectionChanged == nil &&
		len(d.FilesOpened) == 0 && len(d.FilesClosed) == 0
}

// Tracker remembers the last snapshot sent to the model.
type Tracker struct {
	last *Context
}

// Reset forces the next Render to send a full snapshot.
func (t *Tracker) Reset() {
	t.last = nil
}

// Render returns the text to inject for cur, or "" when there is nothing new.
func (t *Tracker) Render(cur *Context) (string, error) {
	if cur == nil {
		return "", nil
	}

	var (
		payload  any
		preamble string
	)
	if t.last == nil {
		snap := buildFull(cur)
		if snap.ActiveFile == nil && len(snap.OtherOpenFiles) == 0 {
			return "", nil
		}
		payload, preamble = snap, fullPreamble
	} else {
		d := buildDelta(t.last, cur)
		if d.empty() {
			return "", nil
		}
		payload, preamble = map[string]any{"changes": d}, deltaPreamble
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode editor context: %w", err)
	}
	t.last = clone(cur)
	return fmt.Sprintf("%s\n```json\n%s\n```", preamble, data), nil
}

func active(c *Context) *File {
	for i := range c.OpenFiles {
		if c.OpenFiles[i].IsActive {
			return &c.OpenFiles[i]
		}
	}
	return nil
}

func buildFull(c *Context) fullSnapshot {
	var snap fullSnapshot
	if a := active(c); a != nil {
		snap.ActiveFile = &activeFile{Path: a.Path, Cursor: a.Cursor, SelectedText: a.SelectedText}
	}
	for _, f := range c.OpenFiles {
		if !f.IsActive {
			snap.OtherOpenFiles = append(snap.OtherOpenFiles, f.Path)
		}
	}
	return snap
}

func buildDelta(prev, cur *Context) delta {
	var d delta
	paths := func(c *Context) []string {
		out := make([]string, 0, len(c.OpenFiles))
		for _, f := range c.OpenFiles {
			out = append(out, f.Path)
		}
		return out
	}
	prevPaths, curPaths := paths(prev), paths(cur)
	for _, p := range curPaths {
		if !slices.Contains(prevPaths, p) {
			d.FilesOpened = append(d.FilesOpened, p)
		}
	}
	for _, p := range prevPaths {
		if !slices.Contains(curPaths, p) {
			d.FilesClosed = append(d.FilesClosed, p)
		}
	}

	pa, ca := active(prev), active(cur)
	switch {
	case ca == nil:
	case pa == nil || pa.Path != ca.Path:
		d.ActiveFileChanged = &activeFile{Path: ca.Path, Cursor: ca.Cursor, SelectedText: ca.SelectedText}
	default:
		if !sameCursor(pa.Cursor, ca.Cursor) {
			d.CursorMoved = &activeFile{Path: ca.Path, Cursor: ca.Cursor}
		}
		if pa.SelectedText != ca.SelectedText {
			d.SelectionChanged = &activeFile{Path: ca.Path, SelectedText: ca.SelectedText}
		}
	}
	return d
}

func sameCursor(a, b *Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func clone(c *Context) *Context {
	out := &Context{OpenFiles: make([]File, len(c.OpenFiles))}
	for i, f := range c.OpenFiles {
		out.OpenFiles[i] = f
		if f.Cursor != nil {
			cur := *f.Cursor
			out.OpenFiles[i].Cursor = &cur
		}
	}
	return out
}
