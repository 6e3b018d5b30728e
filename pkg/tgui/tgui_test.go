package tgui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscAndWrap(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;x&amp;y", Esc("<b>x&y").String())
	assert.Equal(t, "<b>a&lt;b</b>", B("a<b").String())
	assert.Equal(t, "<b>phase</b>: &lt;none&gt;", KV("phase", "<none>").String())
	assert.Equal(t, "a\nb", Lines("a", "", " ", "b").String())
}

func TestCallbackData(t *testing.T) {
	assert.Equal(t, "bc:stop", Data("bc", "stop", ""))
	assert.Equal(t, "otp:d:7", Data(" otp ", "d", "7"))

	ns, action, payload, ok := ParseData("grp:page:2:extra")
	require.True(t, ok)
	assert.Equal(t, "grp", ns)
	assert.Equal(t, "page", action)
	assert.Equal(t, "2:extra", payload)

	_, _, _, ok = ParseData("nocolon")
	assert.False(t, ok)
	_, _, _, ok = ParseData(":x")
	assert.False(t, ok)

	_, err := CheckedData("ns", "act", strings.Repeat("x", 64))
	assert.ErrorIs(t, err, ErrCallbackDataTooLong)
}

func TestTruncRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TruncRunes(tt.in, tt.n))
	}
}

func TestKeyboardGrid(t *testing.T) {
	kb := NewKeyboard().Grid(3, Btn("1", "a"), Btn("2", "b"), Btn("3", "c"), Btn("4", "d")).Row()
	rows := kb.Rows()
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], 3)
	assert.Equal(t, "d", rows[1][0].Data)
}

func TestPaginate(t *testing.T) {
	items := make([]int, 23)
	p := Paginate(items, 1, 10)
	assert.Len(t, p.Items, 10)
	assert.True(t, p.HasPrev)
	assert.True(t, p.HasNext)
	assert.Equal(t, "page 2/3 · 11-20 of 23", p.Label())

	last := Paginate(items, 9, 10)
	assert.Equal(t, 2, last.Index)
	assert.Len(t, last.Items, 3)
	assert.False(t, last.HasNext)

	empty := Paginate([]int(nil), 0, 10)
	assert.Empty(t, empty.Items)
	assert.Equal(t, "page 1/1", empty.Label())
}
