// Package llm provides the model gateway: a synchronous request/response
// boundary to a language model plus provider implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Complete sends a single non-streaming chat request and returns
	// the provider's response normalized into choices.
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
