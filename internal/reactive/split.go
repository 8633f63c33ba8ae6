package reactive

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// sentenceEnders mark sentence boundaries; the last occurrence of any of
// them within the character budget wins.
var sentenceEnders = []rune{'.', '!', '?', '\n'}

// SplitMessage breaks text into segments no wider than maxChars (measured
// in display columns via go-runewidth, so CJK/emoji-heavy text doesn't
// silently overflow a platform's hard limit), preferring to break at a
// sentence boundary rather than mid-sentence.
func SplitMessage(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 2000
	}
	if runewidth.StringWidth(text) <= maxChars {
		return []string{text}
	}

	var segments []string
	remaining := text
	for runewidth.StringWidth(remaining) > maxChars {
		cut := widthCut(remaining, maxChars)
		boundary := lastSentenceBoundary(remaining[:cut])
		if boundary <= 0 {
			boundary = cut
		}
		segment := strings.TrimSpace(remaining[:boundary])
		if segment == "" {
			segment = strings.TrimSpace(remaining[:cut])
			boundary = cut
		}
		segments = append(segments, segment)
		remaining = strings.TrimSpace(remaining[boundary:])
	}
	if remaining != "" {
		segments = append(segments, remaining)
	}
	return segments
}

// widthCut returns the largest byte index i such that the display width of
// s[:i] does not exceed maxChars.
func widthCut(s string, maxChars int) int {
	width := 0
	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if width+w > maxChars {
			return i
		}
		width += w
	}
	return len(s)
}

// lastSentenceBoundary finds the byte index just after the last sentence
// ender in s, or -1 if none is found.
func lastSentenceBoundary(s string) int {
	best := -1
	for i, r := range s {
		for _, e := range sentenceEnders {
			if r == e {
				best = i + 1
			}
		}
	}
	return best
}
