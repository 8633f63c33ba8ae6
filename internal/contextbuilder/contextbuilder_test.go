package contextbuilder

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aldermoor/reedbot/internal/platform"
	"github.com/aldermoor/reedbot/internal/store"
)

func openTestStore(t *testing.T) *store.MessageStore {
	t.Helper()
	ms, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestBuildIncludesRecentWindowOldestFirst(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	for i, txt := range []string{"first", "second", "third"} {
		require.NoError(t, ms.Put(ctx, platform.Message{
			MessageID: "m" + string(rune('1'+i)), ChannelID: "c1", ServerID: "s1",
			AuthorID: "u1", AuthorDisplayName: "Ada", Text: txt,
			TimestampMillis: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
		}))
	}

	b := New(ms, nil, "bot1", 0)
	triggering := platform.Message{MessageID: "m3", ChannelID: "c1", AuthorID: "u1", Text: "third"}

	req, err := b.Build(ctx, triggering, Options{PersonalityBasePrompt: "Be nice.", Now: base})
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "Be nice.")

	body := req.Messages[1].Content
	firstIdx := strings.Index(body, "first")
	secondIdx := strings.Index(body, "second")
	thirdIdx := strings.Index(body, "third")
	require.True(t, firstIdx < secondIdx && secondIdx < thirdIdx)
}

func TestBuildExcludesMessageIDs(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "skip-me", TimestampMillis: 1}))
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "m2", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "keep-me", TimestampMillis: 2}))

	b := New(ms, nil, "bot1", 0)
	req, err := b.Build(ctx, platform.Message{MessageID: "m2", ChannelID: "c1"}, Options{
		ExcludeMessageIDs: map[string]bool{"m1": true},
	})
	require.NoError(t, err)
	body := req.Messages[1].Content
	require.NotContains(t, body, "skip-me")
	require.Contains(t, body, "keep-me")
}

func TestBuildResolvesMentions(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)
	require.NoError(t, ms.Put(ctx, platform.Message{
		MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1",
		AuthorDisplayName: "Ada", Text: "hey <@42> look at this", TimestampMillis: 1,
	}))

	cache := MapUserCache{"42": {UserID: "42", DisplayName: "Grace"}}
	b := New(ms, cache, "bot1", 0)
	req, err := b.Build(ctx, platform.Message{MessageID: "m1", ChannelID: "c1"}, Options{})
	require.NoError(t, err)
	require.Contains(t, req.Messages[1].Content, "@Grace")
}

func TestBuildIncludesReplyChain(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "parent", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", AuthorDisplayName: "Ada", Text: "original question", TimestampMillis: 1}))
	require.NoError(t, ms.Put(ctx, platform.Message{MessageID: "child", ChannelID: "c1", ServerID: "s1", AuthorID: "u2", AuthorDisplayName: "Bob", Text: "reply text", ReplyToMessageID: "parent", TimestampMillis: 2}))

	b := New(ms, nil, "bot1", 0)
	req, err := b.Build(ctx, platform.Message{MessageID: "child", ChannelID: "c1", ReplyToMessageID: "parent"}, Options{})
	require.NoError(t, err)
	body := req.Messages[1].Content
	require.Contains(t, body, "reply chain")
	require.Contains(t, body, "original question")
}

func TestBuildIncludesReactionsInline(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)
	require.NoError(t, ms.Put(ctx, platform.Message{
		MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", AuthorDisplayName: "Ada",
		Text: "nice", TimestampMillis: 1,
		Reactions: []platform.Reaction{{Emoji: "👍", Count: 2}},
	}))

	b := New(ms, nil, "bot1", 0)
	req, err := b.Build(ctx, platform.Message{MessageID: "m1", ChannelID: "c1"}, Options{})
	require.NoError(t, err)
	require.Contains(t, req.Messages[1].Content, "Reactions: 👍×2")
}
