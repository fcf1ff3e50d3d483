package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"coedit/api/internal/access"
	"coedit/api/internal/auth"
	"coedit/api/internal/blob"
	"coedit/api/internal/collab"
	"coedit/api/internal/gitrepo"
	"coedit/api/internal/presence"
	"coedit/api/internal/search"
)

// DocumentStore is the durable side of the service: document text plus the
// collaborator data the access gate consults.
type DocumentStore interface {
	collab.Store
	access.MembershipSource
	Ping(ctx context.Context) error
}

// PresenceStore publishes who is connected to a document for readers that
// are not in the room.
type PresenceStore interface {
	Join(ctx context.Context, documentID, clientID, authorID string) error
	Leave(ctx context.Context, documentID, clientID string) error
	SetLastEditor(ctx context.Context, documentID, authorID string) error
	Snapshot(ctx context.Context, documentID string) (presence.Snapshot, error)
	Clear(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

type Session struct {
	Username string
	Name     string
}

// Deps wires a Service. Presence, History, Snapshots and Search are
// optional.
type Deps struct {
	Store     DocumentStore
	Rooms     *collab.Registry
	Presence  PresenceStore
	History   *gitrepo.Service
	Snapshots *blob.Service
	Search    *search.Service
	JWTSecret []byte
	SyncToken string
	Logger    *slog.Logger
}

type Service struct {
	store     DocumentStore
	gate      *access.Gate
	rooms     *collab.Registry
	presence  PresenceStore
	history   *gitrepo.Service
	snapshots *blob.Service
	search    *search.Service
	jwtSecret []byte
	syncToken string
	log       *slog.Logger
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     deps.Store,
		gate:      access.NewGate(deps.Store),
		rooms:     deps.Rooms,
		presence:  deps.Presence,
		history:   deps.History,
		snapshots: deps.Snapshots,
		search:    deps.Search,
		jwtSecret: deps.JWTSecret,
		syncToken: deps.SyncToken,
		log:       logger,
	}
	if s.presence != nil && s.rooms != nil {
		s.rooms.OnRelease(s.clearPresence)
	}
	return s
}

// clearPresence forgets every client of a released room, including ones a
// previous process never got to remove.
func (s *Service) clearPresence(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Clear(ctx, documentID); err != nil {
		s.log.Warn("presence clear failed", "document_id", documentID, "error", err)
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	identity, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{Username: identity.Username, Name: identity.Name}, nil
}

// Authorize checks session against the document's collaborators.
func (s *Service) Authorize(ctx context.Context, session Session, documentID string, intent access.Intent) (access.Role, error) {
	return s.gate.Authorize(ctx, session.Username, documentID, intent)
}

// CanSeeDocument reports whether username may read documentID. It backs
// search result filtering.
func (s *Service) CanSeeDocument(ctx context.Context, username, documentID string) bool {
	_, err := s.gate.Authorize(ctx, username, documentID, access.IntentConnect)
	return err == nil
}

// Live is an authorized connection attached to a room.
type Live struct {
	Room    *collab.Room
	Client  *collab.Client
	CanEdit bool
}

// Connect authorizes session and attaches it to the document's room.
func (s *Service) Connect(ctx context.Context, session Session, documentID, clientID string, lastAcked int64) (Live, error) {
	role, err := s.Authorize(ctx, session, documentID, access.IntentConnect)
	if err != nil {
		return Live{}, err
	}
	room, client, err := s.rooms.Join(ctx, documentID, clientID, session.Username, lastAcked)
	if err != nil {
		return Live{}, err
	}
	if s.presence != nil {
		if err := s.presence.Join(ctx, documentID, clientID, session.Username); err != nil {
			s.log.Warn("presence join failed", "document_id", documentID, "error", err)
		}
	}
	return Live{Room: room, Client: client, CanEdit: access.Can(role, access.IntentEdit)}, nil
}

// Disconnect detaches the live connection. Edits it already committed stay.
// A connection replaced by a reconnect with the same client id leaves the
// presence entry to its successor.
func (s *Service) Disconnect(live Live) {
	live.Room.Detach(live.Client)
	if s.presence == nil || errors.Is(live.Client.Err(), collab.ErrClientReplaced) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Leave(ctx, live.Room.ID(), live.Client.ID); err != nil {
		s.log.Warn("presence leave failed", "document_id", live.Room.ID(), "error", err)
	}
}

// Submit commits an edit from the live connection.
func (s *Service) Submit(ctx context.Context, live Live, sub collab.Submission) (collab.Commit, error) {
	if !live.CanEdit {
		return collab.Commit{}, access.ErrNotCollaborator
	}
	commit, err := live.Room.Submit(live.Client, sub)
	if err != nil {
		return collab.Commit{}, err
	}
	if commit.EditorChanged && s.presence != nil {
		if err := s.presence.SetLastEditor(ctx, live.Room.ID(), commit.Edit.AuthorID); err != nil {
			s.log.Warn("presence last editor failed", "document_id", live.Room.ID(), "error", err)
		}
	}
	return commit, nil
}

type DocumentPresence struct {
	DocumentID   string          `json:"documentId"`
	Open         bool            `json:"open"`
	Version      int64           `json:"version"`
	LastEditedBy string          `json:"lastEditedBy"`
	Authors      []string        `json:"authors"`
	Cursors      []collab.Cursor `json:"cursors,omitempty"`
}

// Presence reports the live authors and last editor of documentID. An open
// room is authoritative; otherwise the stored copy and the presence store
// are consulted.
func (s *Service) Presence(ctx context.Context, documentID string) (DocumentPresence, error) {
	if room, ok := s.rooms.Lookup(documentID); ok {
		p := room.Presence()
		return DocumentPresence{
			DocumentID:   documentID,
			Open:         true,
			Version:      p.Version,
			LastEditedBy: p.LastEditedBy,
			Authors:      p.Authors,
			Cursors:      p.Cursors,
		}, nil
	}

	state, err := s.store.LoadDocument(ctx, documentID)
	if err != nil {
		return DocumentPresence{}, err
	}
	out := DocumentPresence{
		DocumentID:   documentID,
		Version:      state.Version,
		LastEditedBy: state.LastEditedBy,
		Authors:      []string{},
	}
	if s.presence != nil {
		snap, err := s.presence.Snapshot(ctx, documentID)
		if err != nil {
			s.log.Warn("presence snapshot failed", "document_id", documentID, "error", err)
			return out, nil
		}
		out.Authors = snap.Authors
		if out.LastEditedBy == "" {
			out.LastEditedBy = snap.LastEditedBy
		}
	}
	return out, nil
}

// Flush forces the open room of documentID to storage.
func (s *Service) Flush(ctx context.Context, documentID string) error {
	return s.rooms.Flush(ctx, documentID)
}

func (s *Service) ValidSyncToken(token string) bool {
	return s.syncToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.syncToken)) == 1
}

func (s *Service) Stats() collab.StatsSnapshot {
	return s.rooms.Stats().Snapshot()
}

// Ping checks the database and, when configured, the presence store.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.presence != nil {
		checks["redis"] = s.presence.Ping(ctx)
	}
	return checks
}

func (s *Service) History(documentID string, limit int) ([]gitrepo.Revision, error) {
	if s.history == nil {
		return nil, errFeatureDisabled
	}
	items, err := s.history.History(documentID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.Revision{}, nil
	}
	return items, err
}

func (s *Service) HistoryContent(documentID, hash string) (string, error) {
	if s.history == nil {
		return "", errFeatureDisabled
	}
	return s.history.ContentAt(documentID, hash)
}

func (s *Service) SnapshotVersions(ctx context.Context, documentID string) ([]int64, error) {
	if s.snapshots == nil {
		return nil, errFeatureDisabled
	}
	return s.snapshots.Versions(ctx, documentID)
}

func (s *Service) SnapshotContent(ctx context.Context, documentID string, version int64) (string, error) {
	if s.snapshots == nil {
		return "", errFeatureDisabled
	}
	return s.snapshots.Snapshot(ctx, documentID, version)
}

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, errFeatureDisabled
	}
	if text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	return s.search.Search(ctx, search.Query{
		Text:     text,
		Username: session.Username,
		Limit:    limit,
		Offset:   offset,
	}), nil
}
