package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ctx context.Context, it TokenIterator) []string {
	t.Helper()
	var tokens []string
	for {
		token, ok := it.Next(ctx)
		if !ok {
			break
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func TestDefaultScriptProducesDeterministicTokens(t *testing.T) {
	be := NewScripted("")
	ctx := context.Background()

	it, err := be.Execute(ctx, "gpt-4", []Message{{Role: "user", Content: "hi there"}}, Params{MaxTokens: 50})
	require.NoError(t, err)

	tokens := drain(t, ctx, it)
	require.NotEmpty(t, tokens)
	assert.NoError(t, it.Err())
	assert.Greater(t, it.Usage().TotalTokens, 0)
	assert.Equal(t, len(tokens), it.Usage().CompletionTokens)
}

func TestCustomScriptControlsReply(t *testing.T) {
	script := `function respond(model, messages, params) { return "alpha beta gamma"; }`
	be := NewScripted(script)
	ctx := context.Background()

	it, err := be.Execute(ctx, "gpt-4", []Message{{Role: "user", Content: "hi"}}, Params{})
	require.NoError(t, err)

	tokens := drain(t, ctx, it)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, tokens)
}

func TestExecuteRejectsScriptMissingRespond(t *testing.T) {
	be := NewScripted(`function wrongName() { return "x"; }`)
	_, err := be.Execute(context.Background(), "gpt-4", nil, Params{})
	assert.Error(t, err)
}

func TestIteratorStopsOnCancelledContext(t *testing.T) {
	be := NewScripted(`function respond() { return "one two three four five"; }`)
	ctx, cancel := context.WithCancel(context.Background())

	it, err := be.Execute(ctx, "gpt-4", nil, Params{})
	require.NoError(t, err)

	token, ok := it.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "one", token)

	cancel()
	_, ok = it.Next(ctx)
	assert.False(t, ok)
	assert.Error(t, it.Err())
}

func TestCloseStopsFurtherIteration(t *testing.T) {
	be := NewScripted(`function respond() { return "one two three"; }`)
	ctx := context.Background()

	it, err := be.Execute(ctx, "gpt-4", nil, Params{})
	require.NoError(t, err)

	require.NoError(t, it.Close())
	_, ok := it.Next(ctx)
	assert.False(t, ok)
}

func TestUsageCountsPromptTokensFromMessages(t *testing.T) {
	be := NewScripted("")
	ctx := context.Background()

	it, err := be.Execute(ctx, "gpt-4", []Message{{Role: "user", Content: "one two three four"}}, Params{})
	require.NoError(t, err)
	drain(t, ctx, it)

	assert.Equal(t, 4, it.Usage().PromptTokens)
}

func TestExecuteSucceedsWithinDeadline(t *testing.T) {
	be := NewScripted("")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := be.Execute(ctx, "gpt-4", []Message{{Role: "user", Content: "hi"}}, Params{})
	assert.NoError(t, err) // default script runs well within the deadline
}
