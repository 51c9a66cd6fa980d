package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func parseAll(p *ThinkingParser, chunks ...string) (thought, text string) {
	for _, c := range chunks {
		th, tx := p.Parse(c)
		thought += th
		text += tx
	}
	th, tx := p.Flush()
	return thought + th, text + tx
}

func TestThinkingParser(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		thought string
		text    string
	}{
		{name: "plain text", chunks: []string{"hello ", "world"}, text: "hello world"},
		{name: "single chunk", chunks: []string{"<thinking>plan</thinking>answer"}, thought: "plan", text: "answer"},
		{name: "tag split across chunks", chunks: []string{"<thin", "king>pl", "an</thi", "nking>answer"}, thought: "plan", text: "answer"},
		{name: "other tags pass through", chunks: []string{"use <b>bold</b>"}, text: "use <b>bold</b>"},
		{name: "comparison operator", chunks: []string{"if a < b {"}, text: "if a < b {"},
		{name: "dangling partial tag flushed", chunks: []string{"trailing <thin"}, text: "trailing <thin"},
		{name: "unterminated thinking", chunks: []string{"<thinking>still going"}, thought: "still going"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thought, text := parseAll(NewThinkingParser(), tt.chunks...)
			assert.Equal(t, tt.thought, thought)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestThinkingParserReset(t *testing.T) {
	p := NewThinkingParser()
	p.Parse("<thinking>abc")
	assert.True(t, p.IsInThinking())

	p.Reset()
	assert.False(t, p.IsInThinking())
	_, text := p.Parse("plain")
	assert.Equal(t, "plain", text)
}
