package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nameText struct{ name, text string }

func pairs(fs []Fragment) []nameText {
	out := make([]nameText, 0, len(fs))
	for _, f := range fs {
		out = append(out, nameText{f.Name, f.Text})
	}
	return out
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		known []string
		want  []nameText
	}{
		{
			name: "single message",
			raw:  "Bob (D): hello there",
			want: []nameText{{"Bob", "hello there"}},
		},
		{
			name: "no delimiter",
			raw:  "INFO:meshcore:connected",
			want: []nameText{},
		},
		{
			name:  "concatenated with known names",
			raw:   "Alice (D): hiBob (D): yo",
			known: []string{"Alice", "Bob"},
			want:  []nameText{{"Alice", "hi"}, {"Bob", "yo"}},
		},
		{
			name: "concatenated without known names swallows text",
			raw:  "Alice (D): hiBob (D): yo",
			want: []nameText{{"hiBob", "yo"}},
		},
		{
			name:  "longest known name wins",
			raw:   "hey Big Jo (D): yo",
			known: []string{"Jo", "Big Jo"},
			want:  []nameText{{"Big Jo", "yo"}},
		},
		{
			name: "prompt bounds name and text",
			raw:  "JOST_DEV🭨 Carol (D): how are you JOST_DEV🭨",
			want: []nameText{{"Carol", "how are you"}},
		},
		{
			name: "echoed prompt name trimmed from text",
			raw:  "Dave (D): see you node1",
			want: []nameText{{"Dave", "see you node1"}},
		},
		{
			name: "prompt name trimmed when prompt present",
			raw:  "node1🭨Dave (D): see you node1",
			want: []nameText{{"Dave", "see you"}},
		},
		{
			name: "non-ascii name falls back to last characters",
			raw:  "🙂🙂🙂 (D): hi",
			want: []nameText{{"🙂🙂🙂", "hi"}},
		},
		{
			name: "empty text dropped",
			raw:  "Bob (D):   ",
			want: []nameText{},
		},
		{
			name: "whitespace before delimiter",
			raw:  "Team Lead   (D):  status ok",
			want: []nameText{{"Team Lead", "status ok"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pairs(Extract(tt.raw, tt.known))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractOffsets(t *testing.T) {
	raw := "Alice (D): hiBob (D): yo"
	fs := Extract(raw, []string{"Bob", "Alice"})
	require.Len(t, fs, 2)

	assert.Equal(t, "Alice", raw[fs[0].NameStart:fs[0].NameStart+len("Alice")])
	assert.Equal(t, fs[1].NameStart, fs[0].TextEnd)
	assert.Equal(t, "yo", raw[fs[1].TextStart:fs[1].TextEnd])
}

func TestFindPromptNames(t *testing.T) {
	raw := "JOST_DEV🭨 x-node🭨 é_bad🭨"
	names := findPromptNames(raw, glyphPositions(raw))
	assert.Equal(t, []string{"JOST_DEV", "x-node"}, names)
}

func TestLastRunes(t *testing.T) {
	assert.Equal(t, "cd", lastRunes("abcd", 2))
	assert.Equal(t, "ab", lastRunes("ab", 5))
	assert.Equal(t, "🙂x", lastRunes("a🙂x", 2))
}
