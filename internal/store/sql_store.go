package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLStore implements document storage and membership lookups over
// database/sql. Queries are written for Postgres and rebound for sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *SQLStore) LoadDocument(ctx context.Context, documentID string) (DocumentState, error) {
	var state DocumentState
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, content, version, last_edited_by, content_hash
		FROM documents
		WHERE id=$1
	`), documentID).Scan(&state.DocumentID, &state.Content, &state.Version, &state.LastEditedBy, &state.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentState{}, ErrDocumentNotFound
	}
	if err != nil {
		return DocumentState{}, fmt.Errorf("load document: %w", err)
	}
	return state, nil
}

// SaveDocument overwrites the stored text and version in one statement. The
// hash is recomputed when state.ContentHash is empty.
func (s *SQLStore) SaveDocument(ctx context.Context, state DocumentState) error {
	hash := state.ContentHash
	if hash == "" {
		hash = ContentHash(state.Content)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE documents
		SET content=$2, version=$3, last_edited_by=$4, content_hash=$5, updated_at=CURRENT_TIMESTAMP
		WHERE id=$1
	`), state.DocumentID, state.Content, state.Version, state.LastEditedBy, hash)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save document rows: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *SQLStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, title, owner
		FROM documents
		WHERE id=$1
	`), documentID).Scan(&item.ID, &item.Title, &item.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (s *SQLStore) InsertDocument(ctx context.Context, item Document) error {
	if item.ID == "" || item.Owner == "" {
		return fmt.Errorf("insert document: id and owner are required")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (id, title, owner, content, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`), item.ID, item.Title, item.Owner, item.Content, ContentHash(item.Content))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLStore) AddCollaborator(ctx context.Context, documentID, username string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO document_collaborators (document_id, username)
		VALUES ($1, $2)
		ON CONFLICT (document_id, username) DO NOTHING
	`), documentID, username)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveCollaborator(ctx context.Context, documentID, username string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM document_collaborators WHERE document_id=$1 AND username=$2
	`), documentID, username)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

// MemberRole reports whether username owns documentID, collaborates on it,
// or neither. A missing document yields ErrDocumentNotFound.
func (s *SQLStore) MemberRole(ctx context.Context, documentID, username string) (string, error) {
	var owner string
	var collaborators int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT d.owner,
			(SELECT COUNT(*) FROM document_collaborators c WHERE c.document_id = d.id AND c.username = $2)
		FROM documents d
		WHERE d.id=$1
	`), documentID, username).Scan(&owner, &collaborators)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	switch {
	case owner == username:
		return MemberOwner, nil
	case collaborators > 0:
		return MemberCollaborator, nil
	default:
		return MemberNone, nil
	}
}

// ContentMatch is a document whose text matched a substring search.
type ContentMatch struct {
	DocumentState
	Title string
}

// SearchContent finds documents visible to username whose title or text
// contains text, case-insensitively, most recently updated first.
func (s *SQLStore) SearchContent(ctx context.Context, text, username string, limit, offset int) ([]ContentMatch, int, error) {
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	visible := `
		FROM documents d
		WHERE (LOWER(d.content) LIKE $1 ESCAPE '\' OR LOWER(d.title) LIKE $1 ESCAPE '\')
			AND (d.owner = $2 OR EXISTS (
				SELECT 1 FROM document_collaborators c WHERE c.document_id = d.id AND c.username = $2
			))`

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) `+visible), pattern, username).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count content matches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT d.id, d.title, d.content, d.version, d.last_edited_by, d.content_hash `+visible+`
		ORDER BY d.updated_at DESC, d.id
		LIMIT $3 OFFSET $4
	`), pattern, username, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search content: %w", err)
	}
	defer rows.Close()

	matches := make([]ContentMatch, 0)
	for rows.Next() {
		var m ContentMatch
		if err := rows.Scan(&m.DocumentID, &m.Title, &m.Content, &m.Version, &m.LastEditedBy, &m.ContentHash); err != nil {
			return nil, 0, fmt.Errorf("scan content match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, total, rows.Err()
}

// ListDocumentStates returns the stored state of every document.
func (s *SQLStore) ListDocumentStates(ctx context.Context) ([]DocumentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, version, last_edited_by, content_hash
		FROM documents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentState, 0)
	for rows.Next() {
		var state DocumentState
		if err := rows.Scan(&state.DocumentID, &state.Content, &state.Version, &state.LastEditedBy, &state.ContentHash); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, state)
	}
	return items, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
