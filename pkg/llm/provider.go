// Package llm provides abstractions for LLM provider integration.
//
// Example usage:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/entrhq/conductor/pkg/llm"
//	    "github.com/entrhq/conductor/pkg/llm/openai"
//	    "github.com/entrhq/conductor/pkg/types"
//	)
//
//	func main() {
//	    provider, err := openai.NewProvider("", openai.WithModel("gpt-4.1"))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    stream, err := provider.GenerateContentStream(context.Background(), &llm.Request{
//	        Model:    "gpt-4.1",
//	        Contents: []*types.Message{types.NewUserMessage("Hello!")},
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    for chunk := range stream {
//	        if chunk.IsError() {
//	            log.Fatal(chunk.Error)
//	        }
//	        fmt.Print(chunk.Text)
//	    }
//	}
package llm

import (
	"context"
)

// Provider defines the model transport used by the orchestration layer.
//
// Providers handle API communication with LLM services and return simple
// StreamChunk instances. They know nothing about turns, tool scheduling or
// history; the agent layer is responsible for:
// - Converting StreamChunks to AgentEvents
// - Recording history and enforcing the call/response invariant
// - Retrying, routing and falling back between models
type Provider interface {
	// GenerateContentStream sends the request and streams back response chunks.
	//
	// The returned channel emits text deltas, thought deltas, complete tool
	// calls, and finally a chunk with FinishReason set. Stream-time failures
	// are delivered as a chunk with Error set, after which the channel closes.
	//
	// Returns an error only if streaming cannot be initiated (for example the
	// endpoint rejected the request). That error is what RetryPolicy inspects.
	GenerateContentStream(ctx context.Context, req *Request) (<-chan *StreamChunk, error)

	// GenerateContent performs a non-streaming call and returns the full response.
	GenerateContent(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the provider in logs, telemetry and errors.
	Name() string
}
