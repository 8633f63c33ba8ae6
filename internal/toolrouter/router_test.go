package toolrouter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aldermoor/reedbot/internal/memory"
	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/store"
)

func newTestMemory(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.New("bot1", filepath.Join(t.TempDir(), "mem"))
	require.NoError(t, err)
	return s
}

func newTestMessages(t *testing.T) *store.MessageStore {
	t.Helper()
	ms, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestMemoryToolViewAndCreate(t *testing.T) {
	mem := newTestMemory(t)
	tool := NewMemoryTool(mem)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"command": "create", "path": "/memories/bot1/notes.md", "file_text": "hello",
	})
	require.False(t, res.IsError)

	res = tool.Execute(context.Background(), map[string]interface{}{
		"command": "view", "path": "/memories/bot1/notes.md",
	})
	require.False(t, res.IsError)
	require.Equal(t, "hello", res.ForLLM)
}

func TestMemoryToolUnknownCommand(t *testing.T) {
	mem := newTestMemory(t)
	tool := NewMemoryTool(mem)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "bogus", "path": "/memories/bot1/x"})
	require.True(t, res.IsError)
}

func TestSearchMessagesToolReturnsRefsOnly(t *testing.T) {
	ctx := context.Background()
	ms := newTestMessages(t)
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "distinct-keyword-xyz", TimestampMillis: 1}))

	tool := NewSearchMessagesTool(ms)
	res := tool.Execute(ctx, map[string]interface{}{"query": "distinct-keyword-xyz"})
	require.False(t, res.IsError)
	require.Contains(t, res.ForLLM, "m1")
	require.NotContains(t, res.ForLLM, "distinct-keyword-xyz")
}

func TestViewMessagesToolRecentMode(t *testing.T) {
	ctx := context.Background()
	ms := newTestMessages(t)
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "hello there", TimestampMillis: 1}))

	tool := NewViewMessagesTool(ms)
	res := tool.Execute(ctx, map[string]interface{}{"mode": "recent", "channel_id": "c1", "limit": 5})
	require.False(t, res.IsError)
	require.Contains(t, res.ForLLM, "hello there")
}

func TestViewMessagesToolRequiresChannelID(t *testing.T) {
	ms := newTestMessages(t)
	tool := NewViewMessagesTool(ms)
	res := tool.Execute(context.Background(), map[string]interface{}{"mode": "recent"})
	require.True(t, res.IsError)
}

func TestRouterDefinitionsIncludesRegisteredTools(t *testing.T) {
	mem := newTestMemory(t)
	ms := newTestMessages(t)
	r := New(nil, nil, NewMemoryTool(mem), NewSearchMessagesTool(ms), NewViewMessagesTool(ms))

	defs := r.Definitions()
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Function.Name] = true
	}
	require.True(t, names["memory"])
	require.True(t, names["search_messages"])
	require.True(t, names["view_messages"])
}

func TestRouterExecuteUnknownTool(t *testing.T) {
	r := New(nil, nil)
	res := r.Execute(context.Background(), providers.ToolCall{Name: "nope"})
	require.True(t, res.IsError)
}

func TestFormatSourcesEmpty(t *testing.T) {
	require.Equal(t, "", FormatSources(nil))
}

func TestFormatSourcesRendersBullets(t *testing.T) {
	out := FormatSources([]Citation{{Title: "Example", URL: "https://example.com"}})
	require.Contains(t, out, "**Sources:**")
	require.Contains(t, out, "[Example](https://example.com)")
}

func TestWebQuotaStoreDecrementsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webquota.json")
	q, err := NewWebQuotaStore(path, 3)
	require.NoError(t, err)
	require.Equal(t, 3, q.Remaining())

	q.Decrement()
	require.Equal(t, 2, q.Remaining())

	q2, err := NewWebQuotaStore(path, 3)
	require.NoError(t, err)
	require.Equal(t, 2, q2.Remaining())
}

func TestWebQuotaStoreClampsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webquota.json")
	q, err := NewWebQuotaStore(path, 1)
	require.NoError(t, err)
	q.Decrement()
	q.Decrement()
	require.Equal(t, 0, q.Remaining())
}

func TestImageProcessorSkipsCompressionWhenUnderTarget(t *testing.T) {
	p := NewImageProcessor(nil, 1024*1024)
	small := []byte("not really an image but under the byte target")
	out, err := p.Compress(small)
	require.NoError(t, err)
	require.Equal(t, -1, out.Stage)
	require.Equal(t, small, out.Data)
}

func TestImageProcessorFetchRejectsDisallowedHost(t *testing.T) {
	p := NewImageProcessor([]string{"cdn.example.com"}, 1024*1024)
	_, err := p.Fetch(context.Background(), "https://evil.example.com/image.png")
	require.Error(t, err)
}
