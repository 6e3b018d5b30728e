package commands

import (
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/google/uuid"

	"groupcast/internal/domain"
)

func newReqID() string { return uuid.NewString()[:8] }

// tokenize splits a command line into tokens. Single and double quotes group
// words and a backslash escapes the next byte:
//
//	/cmd a "b c" --k=v
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		open  bool // a quoted empty string still counts
	)
	flush := func() {
		if buf.Len() > 0 || open {
			out = append(out, buf.String())
			buf.Reset()
			open = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			open = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and flags:
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v, -abc (bool flags a, b and c)
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			key := a[2:]
			if k, v, ok := strings.Cut(key, "="); ok {
				flags[k] = v
				continue
			}
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		// negative numbers are positionals
		if strings.HasPrefix(a, "-") && len(a) > 1 && !isNumber(a[1:]) {
			key := a[1:]
			if k, v, ok := strings.Cut(key, "="); ok {
				flags[k] = v
				continue
			}
			if len(key) == 1 {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
					flags[key] = args[i+1]
					i++
					continue
				}
				bools[key] = true
				continue
			}
			for _, r := range key {
				bools[string(r)] = true
			}
			continue
		}
		pos = append(pos, a)
	}
	return pos, flags, bools
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// commandWord returns the command name of "/name@bot args", lower-cased.
func commandWord(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "\n")
	word, _, _ = strings.Cut(word, "@")
	word = strings.ToLower(strings.TrimSpace(word))
	return word, word != ""
}

// restAfter returns the text following the first n whitespace-separated words
// with the leading whitespace trimmed, and its byte offset in text.
func restAfter(text string, n int) (string, int) {
	i := 0
	for w := 0; w < n; w++ {
		for i < len(text) && isSpace(text[i]) {
			i++
		}
		for i < len(text) && !isSpace(text[i]) {
			i++
		}
	}
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	return text[i:], i
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// contentAfter cuts the first n words off a message and shifts its
// formatting to match. Entities starting inside the cut part are dropped.
func contentAfter(text string, entities []domain.Entity, n int) domain.Content {
	rest, at := restAfter(text, n)
	rest = strings.TrimRightFunc(rest, unicode.IsSpace)
	shift := len(utf16.Encode([]rune(text[:at])))
	limit := len(utf16.Encode([]rune(rest)))
	c := domain.Content{Text: rest}
	for _, e := range entities {
		if e.Offset < shift {
			continue
		}
		e.Offset -= shift
		if e.Offset >= limit {
			continue
		}
		e.Length = min(e.Length, limit-e.Offset)
		c.Entities = append(c.Entities, e)
	}
	return c
}
