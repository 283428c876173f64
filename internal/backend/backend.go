// Package backend defines InferenceBackend (§4.8's collaborator summary:
// Execute(model, messages, params) -> TokenIterator + Usage) and a
// deterministic scripted test double. Model execution itself is an
// explicit non-goal (§1); the scripted double is grounded on
// internal/services/functions/tee_executor.go's goja VM setup so the
// Scheduler/StreamMultiplexer test suite exercises real token-by-token
// iteration without a live model server.
package backend

import "context"

// Message is one chat message in the OpenAI-compatible wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params carries the subset of chat-completion parameters the backend
// needs to shape its output.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting returned alongside (or after) a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TokenIterator yields one token (a content delta) at a time. Next
// returns false once the stream is exhausted or ctx is cancelled; Err
// reports why iteration stopped early. Close release any backend-side
// resources and is safe to call multiple times.
type TokenIterator interface {
	Next(ctx context.Context) (token string, ok bool)
	Err() error
	Usage() Usage
	Close() error
}

// InferenceBackend executes a chat completion request and returns a
// TokenIterator; non-streaming callers simply drain it to completion
// before reading Usage.
type InferenceBackend interface {
	Execute(ctx context.Context, model string, messages []Message, params Params) (TokenIterator, error)
}
