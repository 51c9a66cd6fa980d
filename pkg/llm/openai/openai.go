// Package openai provides an OpenAI-compatible model transport.
//
// Example usage:
//
//	provider, err := openai.NewProvider(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4.1"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	stream, err := provider.GenerateContentStream(ctx, &llm.Request{
//	    Contents: []*types.Message{types.NewUserMessage("Hello!")},
//	})
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/llm/parser"
	"github.com/entrhq/conductor/pkg/types"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither the request nor the provider names one.
	DefaultModel = "gpt-4.1"

	providerName = "openai"
)

// Provider implements llm.Provider for OpenAI-compatible chat completion APIs.
type Provider struct {
	client     openai.Client
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// ProviderOption is a function that configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the model used when a request does not name one.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
// This enables using Azure OpenAI, local models, or other compatible services.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// NewProvider creates a new OpenAI provider with the given API key.
//
// If apiKey is empty, it will attempt to read from the OPENAI_API_KEY environment variable.
// If baseURL is not provided via WithBaseURL option, it will check OPENAI_BASE_URL environment variable.
//
// The SDK's own retries are disabled: llm.RetryPolicy owns retrying so that
// rate limits can escalate to a model fallback.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	p := &Provider{
		model:   DefaultModel,
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
	}

	for _, opt := range opts {
		opt(p)
	}

	// If baseURL wasn't set by options, check environment variable
	if p.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			p.baseURL = envBaseURL
		}
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithMaxRetries(0),
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(p.httpClient))
	}
	p.client = openai.NewClient(clientOpts...)

	return p, nil
}

// Name identifies the provider.
func (p *Provider) Name() string {
	return providerName
}

// GetModel returns the default model name.
func (p *Provider) GetModel() string {
	return p.model
}

// GetBaseURL returns the base URL being used.
func (p *Provider) GetBaseURL() string {
	return p.baseURL
}

// GenerateContentStream starts a streaming chat completion.
//
// The request is issued before returning so that initiation failures (rate
// limits, auth errors) surface as the returned error and can be retried.
func (p *Provider) GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, convertError(err)
	}

	chunks := make(chan *llm.StreamChunk, 10)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// chunkStream is the subset of the SDK stream used while reading.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// processStream reads SDK chunks and forwards them as llm.StreamChunks
func (p *Provider) processStream(ctx context.Context, stream chunkStream, chunks chan<- *llm.StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	thinking := parser.NewThinkingParser()
	calls := newToolCallAccumulator()
	var finishReason string
	var usage *llm.Usage

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = &llm.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			thought, text := thinking.Parse(choice.Delta.Content)
			if !p.sendContent(ctx, thought, text, chunks) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			calls.add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finishReason = mapFinishReason(string(choice.FinishReason))
		}
	}

	if err := stream.Err(); err != nil {
		p.sendChunkIfPresent(ctx, &llm.StreamChunk{Error: convertError(err)}, chunks)
		return
	}

	thought, text := thinking.Flush()
	if !p.sendContent(ctx, thought, text, chunks) {
		return
	}

	for _, call := range calls.finish() {
		if !p.sendChunkIfPresent(ctx, &llm.StreamChunk{ToolCall: call}, chunks) {
			return
		}
	}

	if finishReason == "" {
		finishReason = llm.FinishReasonStop
	}
	p.sendChunkIfPresent(ctx, &llm.StreamChunk{FinishReason: finishReason, Usage: usage}, chunks)
}

func (p *Provider) sendContent(ctx context.Context, thought, text string, chunks chan<- *llm.StreamChunk) bool {
	if thought != "" && !p.sendChunkIfPresent(ctx, &llm.StreamChunk{Thought: thought}, chunks) {
		return false
	}
	if text != "" && !p.sendChunkIfPresent(ctx, &llm.StreamChunk{Text: text}, chunks) {
		return false
	}
	return true
}

// sendChunkIfPresent sends a chunk to the channel unless the context is done
func (p *Provider) sendChunkIfPresent(ctx context.Context, chunk *llm.StreamChunk, chunks chan<- *llm.StreamChunk) bool {
	if chunk == nil {
		return true
	}
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// GenerateContent performs a non-streaming chat completion.
func (p *Provider) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, convertError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.MalformedOutputError{Reason: "response contained no choices"}
	}

	choice := resp.Choices[0]
	msg := &types.Message{Role: types.RoleModel}
	thought, text := splitThinking(choice.Message.Content)
	if thought != "" {
		msg.Parts = append(msg.Parts, types.Part{Text: thought, Thought: true})
	}
	if text != "" {
		msg.Parts = append(msg.Parts, types.NewTextPart(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.Parts = append(msg.Parts, types.Part{FunctionCall: decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)})
	}

	return &llm.Response{
		Message:      msg,
		FinishReason: mapFinishReason(string(choice.FinishReason)),
		Usage: &llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// splitThinking separates inline thinking from a complete response body.
func splitThinking(content string) (thought, text string) {
	tp := parser.NewThinkingParser()
	thought, text = tp.Parse(content)
	restThought, restText := tp.Flush()
	return thought + restThought, text + restText
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonMaxTokens
	case "tool_calls", "function_call":
		return llm.FinishReasonToolCalls
	case "content_filter":
		return llm.FinishReasonSafety
	case "":
		return ""
	default:
		return llm.FinishReasonOther
	}
}

// convertError maps SDK errors onto the llm error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return llm.ErrorFromStatusCode(providerName, apiErr.StatusCode, apiErr.Code, msg, retryAfter, err)
	}

	return &llm.NetworkError{Cause: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
