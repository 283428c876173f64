package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// defaultScript is the scripted backend's default response generator: it
// echoes a short deterministic reply naming the model, split into
// word-sized tokens so streaming tests can assert ordering.
const defaultScript = `
function respond(model, messages, params) {
	var lastContent = messages.length > 0 ? messages[messages.length - 1].content : "";
	return "Simulated response from " + model + ": " + lastContent;
}
`

// Scripted is a deterministic InferenceBackend test double. A goja runtime
// evaluates a user-supplied "respond(model, messages, params)" function
// once per Execute call to produce the full reply text, which is then
// split into tokens and drip-fed through a TokenIterator — the same
// per-call fresh-runtime-plus-context-interrupt pattern
// tee_executor.go uses for user function bodies, repurposed here to
// synthesize chat completions instead of running devpack functions.
type Scripted struct {
	script string
}

// NewScripted builds a Scripted backend from a JS source defining
// "respond(model, messages, params) -> string". An empty script uses
// defaultScript.
func NewScripted(script string) *Scripted {
	if strings.TrimSpace(script) == "" {
		script = defaultScript
	}
	return &Scripted{script: script}
}

func (s *Scripted) Execute(ctx context.Context, model string, messages []Message, params Params) (TokenIterator, error) {
	rt := goja.New()
	if _, err := rt.RunString(s.script); err != nil {
		return nil, fmt.Errorf("backend: load script: %w", err)
	}

	respond, ok := goja.AssertFunction(rt.Get("respond"))
	if !ok {
		return nil, errors.New("backend: script does not define respond(model, messages, params)")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	jsMessages := make([]interface{}, len(messages))
	for i, m := range messages {
		jsMessages[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
	}
	jsParams := map[string]interface{}{"max_tokens": params.MaxTokens, "temperature": params.Temperature}

	result, err := respond(goja.Undefined(), rt.ToValue(model), rt.ToValue(jsMessages), rt.ToValue(jsParams))
	if err != nil {
		return nil, fmt.Errorf("backend: run script: %w", err)
	}

	text := result.String()
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	promptTokens := 0
	for _, m := range messages {
		promptTokens += len(strings.Fields(m.Content))
	}

	return &scriptedIterator{
		tokens: tokens,
		usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: len(tokens),
			TotalTokens:      promptTokens + len(tokens),
		},
	}, nil
}

// scriptedIterator drip-feeds a precomputed token slice, honoring context
// cancellation between tokens so cancellation tests have a real boundary
// to interrupt at.
type scriptedIterator struct {
	tokens []string
	pos    int
	usage  Usage
	err    error
	closed bool
}

func (it *scriptedIterator) Next(ctx context.Context) (string, bool) {
	if it.closed || it.pos >= len(it.tokens) {
		return "", false
	}
	select {
	case <-ctx.Done():
		it.err = ctx.Err()
		return "", false
	default:
	}
	token := it.tokens[it.pos]
	it.pos++
	return token, true
}

func (it *scriptedIterator) Err() error { return it.err }

func (it *scriptedIterator) Usage() Usage { return it.usage }

func (it *scriptedIterator) Close() error {
	it.closed = true
	return nil
}
