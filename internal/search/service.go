package search

import (
	"context"
	"errors"
	"log/slog"

	"coedit/api/internal/store"
)

var ErrIndexUnavailable = errors.New("search index unavailable")

type contentIndex interface {
	Healthy() bool
	IndexContent(records ...Record) error
	Search(q Query) ([]Result, int, error)
}

type fallbackSearcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// VisibleFunc reports whether username may read documentID.
type VisibleFunc func(ctx context.Context, username, documentID string) bool

// Service is the facade that tries Meilisearch first and falls back to SQL.
// It is also the content index mirror of flushed documents.
type Service struct {
	index    contentIndex
	fallback fallbackSearcher
	visible  VisibleFunc
	log      *slog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index *Meili, fallback *SQLSearch, visible VisibleFunc, logger *slog.Logger) *Service {
	s := &Service{visible: visible, log: logger}
	if index != nil {
		s.index = index
	}
	if fallback != nil {
		s.fallback = fallback
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Service) Name() string {
	return "search-index"
}

// Mirror pushes a flushed document into the index.
func (s *Service) Mirror(ctx context.Context, state store.DocumentState) error {
	if s.index == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.index.Healthy() {
		return ErrIndexUnavailable
	}
	return s.index.IndexContent(toRecord(state))
}

// Search tries the index if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = q.normalized()
	if s.index != nil && s.index.Healthy() {
		resp, err := s.searchIndex(ctx, q)
		if err == nil {
			return resp
		}
		s.log.Warn("meilisearch error, falling back to sql", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("sql search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

const (
	indexPageSize = 100
	indexScanMax  = 1000
)

// searchIndex pages through index hits, keeps the ones the caller may see,
// and cuts the requested page from those. Total is exact when the scan
// reaches the last hit; otherwise it counts the visible hits scanned, which
// always reaches past the requested page.
func (s *Service) searchIndex(ctx context.Context, q Query) (Response, error) {
	want := q.Offset + q.Limit
	var visible []Result
	for scanned := 0; scanned < indexScanMax; {
		page, _, err := s.index.Search(Query{Text: q.Text, Username: q.Username, Limit: indexPageSize, Offset: scanned})
		if err != nil {
			return Response{}, err
		}
		scanned += len(page)
		visible = append(visible, s.filterVisible(ctx, q.Username, page)...)
		// One visible hit past the page is enough to know there are more.
		if len(page) < indexPageSize || len(visible) > want {
			break
		}
	}

	from := min(q.Offset, len(visible))
	to := min(want, len(visible))
	results := make([]Result, to-from)
	copy(results, visible[from:to])
	return Response{Results: results, Total: len(visible), Query: q.Text}, nil
}

// Reindex pushes every stored document into the index. It is a no-op while
// the index is unavailable.
func (s *Service) Reindex(ctx context.Context, load func(context.Context) ([]store.DocumentState, error)) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	states, err := load(ctx)
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(states))
	for _, st := range states {
		records = append(records, toRecord(st))
	}
	if err := s.index.IndexContent(records...); err != nil {
		return err
	}
	s.log.Info("search index rebuilt", "documents", len(records))
	return nil
}

func (s *Service) filterVisible(ctx context.Context, username string, results []Result) []Result {
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if s.visible == nil || s.visible(ctx, username, r.DocumentID) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func toRecord(state store.DocumentState) Record {
	return Record{
		ID:           state.DocumentID,
		Content:      state.Content,
		Version:      state.Version,
		LastEditedBy: state.LastEditedBy,
		ContentHash:  state.ContentHash,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
