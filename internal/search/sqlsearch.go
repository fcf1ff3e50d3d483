package search

import (
	"context"
	"strings"
	"unicode/utf8"

	"coedit/api/internal/store"
)

// ContentStore is the slice of the SQL store used for fallback search.
type ContentStore interface {
	SearchContent(ctx context.Context, text, username string, limit, offset int) ([]store.ContentMatch, int, error)
}

// SQLSearch answers queries straight from the documents table when the
// index is unavailable. Results are already limited to the caller's
// documents.
type SQLSearch struct {
	store ContentStore
}

func NewSQLSearch(st ContentStore) *SQLSearch {
	return &SQLSearch{store: st}
}

func (p *SQLSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = q.normalized()

	matches, total, err := p.store.SearchContent(ctx, q.Text, q.Username, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			DocumentID:   m.DocumentID,
			Title:        m.Title,
			Snippet:      snippet(m.Content, q.Text),
			Version:      m.Version,
			LastEditedBy: m.LastEditedBy,
		})
	}
	return results, total, nil
}

const snippetRadius = 60

// snippet cuts up to snippetRadius runes either side of the first
// case-insensitive occurrence of term, or the start of content when term is
// empty or absent.
func snippet(content, term string) string {
	runes := []rune(content)
	at := 0
	if term != "" {
		if i := strings.Index(strings.ToLower(content), strings.ToLower(term)); i >= 0 {
			at = utf8.RuneCountInString(strings.ToLower(content)[:i])
		}
	}
	start := max(at-snippetRadius, 0)
	end := min(at+snippetRadius, len(runes))
	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}
