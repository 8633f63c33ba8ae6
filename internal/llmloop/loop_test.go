package llmloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/tools"
	"github.com/aldermoor/reedbot/internal/toolrouter"
)

type fakeProvider struct {
	turns []providers.ChatResponse
	calls int
	reqs  []providers.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.reqs = append(f.reqs, req)
	resp := f.turns[f.calls]
	f.calls++
	return &resp, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type echoTool struct{}

func (echoTool) Name() string                                 { return "echo" }
func (echoTool) Description() string                          { return "echoes" }
func (echoTool) Parameters() map[string]interface{}           { return map[string]interface{}{"type": "object"} }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult("echoed")
}

func TestLoopReturnsImmediatelyWithNoToolCalls(t *testing.T) {
	p := &fakeProvider{turns: []providers.ChatResponse{
		{Content: "hello", FinishReason: "end_turn"},
	}}
	router := toolrouter.New(nil, nil, echoTool{})
	loop := New(p, router, 10)

	res, err := loop.Run(context.Background(), "fake-model", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hello", res.FinalText)
	require.False(t, res.HitIterationCap)
}

func TestLoopRunsToolCallThenFinishes(t *testing.T) {
	p := &fakeProvider{turns: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "t1", Name: "echo", Arguments: map[string]interface{}{}}}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "end_turn"},
	}}
	router := toolrouter.New(nil, nil, echoTool{})
	loop := New(p, router, 10)

	res, err := loop.Run(context.Background(), "fake-model", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "done", res.FinalText)
	require.Equal(t, 2, p.calls)
}

func TestLoopHitsIterationCap(t *testing.T) {
	turn := providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "echo", Arguments: map[string]interface{}{}}},
		FinishReason: "tool_calls",
	}
	turns := make([]providers.ChatResponse, 3)
	for i := range turns {
		turns[i] = turn
	}
	p := &fakeProvider{turns: turns}
	router := toolrouter.New(nil, nil, echoTool{})
	loop := New(p, router, 3)

	res, err := loop.Run(context.Background(), "fake-model", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.True(t, res.HitIterationCap)
}

func TestLoopDispatchesParallelToolCallsInOrder(t *testing.T) {
	p := &fakeProvider{turns: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "a", Name: "echo", Arguments: map[string]interface{}{}},
			{ID: "b", Name: "echo", Arguments: map[string]interface{}{}},
		}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "end_turn"},
	}}
	router := toolrouter.New(nil, nil, echoTool{})
	loop := New(p, router, 10)

	res, err := loop.Run(context.Background(), "fake-model", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "done", res.FinalText)

	// Second request: user, assistant, then one tool result per call in call order.
	require.Len(t, p.reqs, 2)
	require.Len(t, p.reqs[1].Messages, 4)
	require.Equal(t, "a", p.reqs[1].Messages[2].ToolCallID)
	require.Equal(t, "b", p.reqs[1].Messages[3].ToolCallID)
}

func TestLoopAppendsSourcesAndAccountsServerTools(t *testing.T) {
	p := &fakeProvider{turns: []providers.ChatResponse{
		{
			Content:        "the answer is 42",
			FinishReason:   "end_turn",
			ServerToolUses: []providers.ServerToolUse{{ToolName: "web_search"}},
			Citations:      []providers.Citation{{Title: "Example", URL: "https://example.com"}},
		},
	}}
	quota, err := toolrouter.NewWebQuotaStore(t.TempDir()+"/quota.json", 300)
	require.NoError(t, err)
	router := toolrouter.New(quota, nil, echoTool{})
	loop := New(p, router, 10)

	res, err := loop.Run(context.Background(), "fake-model", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Contains(t, res.FinalText, "the answer is 42")
	require.Contains(t, res.FinalText, "**Sources:**")
	require.Contains(t, res.FinalText, "https://example.com")
	require.Len(t, res.ServerToolUses, 1)
	require.Equal(t, 299, quota.Remaining())
}
