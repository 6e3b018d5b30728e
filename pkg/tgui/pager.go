package tgui

import "fmt"

// Page is one slice of a longer list. Index is 0-based.
type Page[T any] struct {
	Items   []T
	Index   int
	Pages   int
	From    int
	To      int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate returns the requested page, clamped into range.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := max((total+size-1)/size, 1)
	page = min(max(page, 0), pages-1)
	start := min(page*size, total)
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Index:   page,
		Pages:   pages,
		From:    start,
		To:      end,
		Total:   total,
		HasPrev: page > 0,
		HasNext: end < total,
	}
}

// Label is a compact "page 2/5 · 11-20 of 47".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "page 1/1"
	}
	return fmt.Sprintf("page %d/%d · %d-%d of %d", p.Index+1, p.Pages, p.From+1, p.To, p.Total)
}
