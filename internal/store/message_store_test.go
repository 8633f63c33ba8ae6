package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aldermoor/reedbot/internal/platform"
)

func openTestStore(t *testing.T) *MessageStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	ms, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestPutUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	msg := platform.Message{
		MessageID:         "m1",
		ChannelID:         "c1",
		ServerID:          "s1",
		AuthorID:          "u1",
		AuthorDisplayName: "Ada",
		Text:              "The secret code is ALPHA",
		TimestampMillis:   1000,
	}
	require.NoError(t, ms.Put(ctx, msg))

	refs, err := ms.Search(ctx, SearchOptions{Query: "ALPHA"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "m1", refs[0].MessageID)

	// Edit: same message_id, new text — UPSERT must replace both row and FTS entry.
	msg.Text = "The secret code is BRAVO"
	require.NoError(t, ms.Put(ctx, msg))

	refs, err = ms.Search(ctx, SearchOptions{Query: "BRAVO"})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	refs, err = ms.Search(ctx, SearchOptions{Query: "ALPHA"})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	msg := platform.Message{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "hello", TimestampMillis: 1}
	require.NoError(t, ms.Put(ctx, msg))
	require.NoError(t, ms.Put(ctx, msg))
	require.NoError(t, ms.Put(ctx, msg))

	recent, err := ms.GetRecent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	msg := platform.Message{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "unique-token-zzz", TimestampMillis: 1}
	require.NoError(t, ms.Put(ctx, msg))
	require.NoError(t, ms.Delete(ctx, "m1"))
	require.NoError(t, ms.Delete(ctx, "m1")) // idempotent

	refs, err := ms.Search(ctx, SearchOptions{Query: "unique-token-zzz"})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestGetRecentAndFirstOrdering(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, ms.Put(ctx, platform.Message{
			MessageID: idOf(i), ChannelID: "c1", ServerID: "s1", AuthorID: "u1",
			Text: "msg", TimestampMillis: i,
		}))
	}

	recent, err := ms.GetRecent(ctx, "c1", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m5", "m4", "m3"}, ids(recent))

	first, err := ms.GetFirst(ctx, "c1", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(first))
}

func TestGetAroundSpan(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	for i := int64(1); i <= 7; i++ {
		require.NoError(t, ms.Put(ctx, platform.Message{
			MessageID: idOf(i), ChannelID: "c1", ServerID: "s1", AuthorID: "u1",
			Text: "msg", TimestampMillis: i,
		}))
	}

	around, err := ms.GetAround(ctx, "m4", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3", "m4", "m5", "m6"}, ids(around))
}

func TestBackfillIdempotent(t *testing.T) {
	ctx := context.Background()
	ms := openTestStore(t)

	batch := []platform.Message{
		{MessageID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "a", TimestampMillis: 1},
		{MessageID: "m2", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Text: "b", TimestampMillis: 2},
	}
	require.NoError(t, ms.Backfill(ctx, "c1", 0, batch))
	require.NoError(t, ms.Backfill(ctx, "c1", 0, batch))

	recent, err := ms.GetRecent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func idOf(i int64) string {
	return "m" + string(rune('0'+i))
}

func ids(msgs []platform.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}
