// Package parser provides utilities for parsing structured content from LLM streams.
package parser

import (
	"strings"
)

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// ThinkingParser separates inline <thinking> sections from regular content in
// a streamed response. Tags may be split across chunks, so a possible tag is
// held back until it is either completed or ruled out.
type ThinkingParser struct {
	pending    strings.Builder
	inThinking bool
}

// NewThinkingParser creates a new thinking parser.
func NewThinkingParser() *ThinkingParser {
	return &ThinkingParser{}
}

// Parse consumes a content delta and returns the thought text and the
// regular text it resolved to. Either may be empty.
func (p *ThinkingParser) Parse(content string) (thought, text string) {
	if content == "" {
		return "", ""
	}
	var thoughtBuf, textBuf strings.Builder
	emit := func(s string) {
		if p.inThinking {
			thoughtBuf.WriteString(s)
		} else {
			textBuf.WriteString(s)
		}
	}

	p.pending.WriteString(content)
	buf := p.pending.String()
	p.pending.Reset()

	for len(buf) > 0 {
		i := strings.IndexByte(buf, '<')
		if i < 0 {
			emit(buf)
			break
		}
		emit(buf[:i])
		buf = buf[i:]

		tag := openTag
		if p.inThinking {
			tag = closeTag
		}
		switch {
		case strings.HasPrefix(buf, tag):
			p.inThinking = !p.inThinking
			buf = buf[len(tag):]
		case strings.HasPrefix(tag, buf):
			// Incomplete tag at the end of the delta.
			p.pending.WriteString(buf)
			buf = ""
		default:
			emit("<")
			buf = buf[1:]
		}
	}
	return thoughtBuf.String(), textBuf.String()
}

// IsInThinking returns true if currently parsing thinking content.
func (p *ThinkingParser) IsInThinking() bool {
	return p.inThinking
}

// Flush returns any held-back content. Call it at the end of a stream.
func (p *ThinkingParser) Flush() (thought, text string) {
	rest := p.pending.String()
	p.pending.Reset()
	if p.inThinking {
		return rest, ""
	}
	return "", rest
}

// Reset resets the parser state for a new stream.
func (p *ThinkingParser) Reset() {
	p.pending.Reset()
	p.inThinking = false
}
