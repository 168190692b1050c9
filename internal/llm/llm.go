// Package llm is the minimal text-reasoning LLM client surface used by the
// Decision Evaluator (C6, §4.6). It is deliberately narrow: one blocking
// Complete call with a prompt, temperature and max-token budget, no tool
// calling or streaming — the Decision Evaluator's whole job is "given this
// prompt, return a short label".
package llm

import "context"

// Message is one turn of the prompt sent to the reasoning model.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Response is the model's completion.
type Response struct {
	Content string
	Usage   Usage
}

// Usage tracks token consumption of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Provider is implemented by each reasoning-model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Name() string
}
