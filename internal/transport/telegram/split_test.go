package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"groupcast/internal/transport"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "empty", in: "", limit: 10, want: []string{""}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline boundary", in: "aaaa\nbbbb\ncc", limit: 10, want: []string{"aaaa\nbbbb", "cc"}},
		{name: "html tag kept whole", in: "abcdef<b>x</b>", limit: 8, parseMode: "HTML", want: []string{"abcdef", "<b>x</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitText(tt.in, tt.limit, tt.parseMode))
		})
	}
}

func TestSplitTextKeepsEverything(t *testing.T) {
	in := strings.Repeat("line of text\n", 800)
	chunks := splitText(in, textLimit, "")
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), textLimit)
	}
	assert.Equal(t, strings.Count(in, "line of text"), strings.Count(strings.Join(chunks, "\n"), "line of text"))
}

func TestEntitiesOf(t *testing.T) {
	got := entitiesOf(tele.Entities{
		{Type: tele.EntityBold, Offset: 0, Length: 4},
		{Type: tele.EntityMention, Offset: 5, Length: 3},
		{Type: tele.EntityTextLink, Offset: 9, Length: 2, URL: "https://example.org"},
		{Type: tele.EntityCodeBlock, Offset: 12, Length: 5, Language: "go"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "bold", got[0].Type)
	assert.Equal(t, "text_link", got[1].Type)
	assert.Equal(t, "https://example.org", got[1].URL)
	assert.Equal(t, "pre", got[2].Type)
	assert.Equal(t, "go", got[2].Language)
	assert.Nil(t, entitiesOf(nil))
}

func TestMarkupOf(t *testing.T) {
	assert.Nil(t, markupOf(nil))
	rm := markupOf([][]transport.Button{{{Text: "Stop", Data: "bc:stop"}}, {{Text: "A", Data: "a"}, {Text: "B", Data: "b"}}})
	require.NotNil(t, rm)
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Equal(t, "bc:stop", rm.InlineKeyboard[0][0].Data)
	assert.Len(t, rm.InlineKeyboard[1], 2)
}
