package reactive

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattn/go-runewidth"
)

func TestSplitMessageShortTextUnchanged(t *testing.T) {
	segs := SplitMessage("hello world", 2000)
	require.Equal(t, []string{"hello world"}, segs)
}

func TestSplitMessageBreaksAtSentenceBoundary(t *testing.T) {
	text := strings.Repeat("a", 10) + ". " + strings.Repeat("b", 10) + "."
	segs := SplitMessage(text, 13)
	require.Len(t, segs, 2)
	require.True(t, strings.HasSuffix(segs[0], "."))
}

func TestSplitMessageRespectsWidthBudget(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	segs := SplitMessage(text, 2000)
	for _, s := range segs {
		require.LessOrEqual(t, runewidth.StringWidth(s), 2000)
	}
	require.Greater(t, len(segs), 1)
}

func TestSplitMessageNoSentenceBoundaryFallsBackToHardCut(t *testing.T) {
	text := strings.Repeat("x", 50)
	segs := SplitMessage(text, 10)
	require.Greater(t, len(segs), 1)
	joined := strings.Join(segs, "")
	require.Equal(t, len(text), len(joined))
}
