package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/types"
)

// buildParams converts a transport-neutral request into SDK parameters.
func (p *Provider) buildParams(req *llm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertToOpenAIMessages(req.SystemInstruction, req.Contents),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Config.Temperature != nil {
		params.Temperature = openai.Float(*req.Config.Temperature)
	}
	if req.Config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Config.MaxTokens))
	}
	if req.Config.ResponseJSON {
		obj := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}
	}
	return params
}

func convertTools(decls []llm.ToolDeclaration) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(decls))
	for _, d := range decls {
		fn := shared.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
		}
		if d.Parameters != nil {
			fn.Parameters = shared.FunctionParameters(d.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// convertToOpenAIMessages converts history into chat completion messages.
// Tool responses become tool messages placed before any text in the same
// user message so they directly follow the assistant tool calls.
func convertToOpenAIMessages(system string, contents []*types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(contents)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, msg := range contents {
		switch msg.Role {
		case types.RoleModel:
			if m, ok := convertModelMessage(msg); ok {
				out = append(out, m)
			}
		default:
			for _, r := range msg.FunctionResponses() {
				out = append(out, openai.ToolMessage(encodeJSON(r.Response), r.ID))
			}
			if text := msg.Text(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	return out
}

func convertModelMessage(msg *types.Message) (openai.ChatCompletionMessageParamUnion, bool) {
	calls := msg.FunctionCalls()
	text := msg.Text()
	if len(calls) == 0 {
		if text == "" {
			return openai.ChatCompletionMessageParamUnion{}, false
		}
		return openai.AssistantMessage(text), true
	}

	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
	for _, c := range calls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: c.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: encodeJSON(c.Args),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true
}

func encodeJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// decodeToolCall builds a FunctionCall from SDK fields. Unparsable
// arguments are kept under "_raw" so the tool reports a validation error
// instead of the call disappearing.
func decodeToolCall(id, name, arguments string) *types.FunctionCall {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{"_raw": raw}
		}
	}
	return &types.FunctionCall{ID: id, Name: name, Args: args}
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// toolCallAccumulator assembles streamed tool call deltas by index.
type toolCallAccumulator struct {
	calls map[int]*partialCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, argsDelta string) {
	pc, ok := a.calls[index]
	if !ok {
		pc = &partialCall{}
		a.calls[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(argsDelta)
}

// finish returns the complete calls ordered by stream index.
func (a *toolCallAccumulator) finish() []*types.FunctionCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]*types.FunctionCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.calls[i]
		if pc.name == "" {
			continue
		}
		out = append(out, decodeToolCall(pc.id, pc.name, pc.args.String()))
	}
	return out
}
