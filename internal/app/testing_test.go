package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coedit/api/internal/auth"
	"coedit/api/internal/collab"
	"coedit/api/internal/ot"
	"coedit/api/internal/store"

	"github.com/gorilla/websocket"
)

var testSecret = []byte("test-secret-0123456789")

const testSyncToken = "sync-token"

type fixture struct {
	store  *store.SQLStore
	rooms  *collab.Registry
	svc    *Service
	http   *HTTPServer
	server *httptest.Server
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	opts    collab.Options
	mirrors []collab.Mirror
	deps    func(*Deps, *store.SQLStore)
}

func withOptions(fn func(*collab.Options)) fixtureOption {
	return func(c *fixtureConfig) { fn(&c.opts) }
}

func withMirrors(mirrors ...collab.Mirror) fixtureOption {
	return func(c *fixtureConfig) { c.mirrors = append(c.mirrors, mirrors...) }
}

func withDeps(fn func(*Deps, *store.SQLStore)) fixtureOption {
	return func(c *fixtureConfig) { c.deps = fn }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture serves the API over a fresh SQLite database holding doc-1
// (owner ana, collaborator ben, text "hello") and doc-2 (owner cy).
func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{opts: collab.Options{
		FlushInterval: 20 * time.Millisecond,
		RetryInitial:  5 * time.Millisecond,
		RetryMax:      20 * time.Millisecond,
		AlertAfter:    3,
		QueueSize:     64,
		WriteTimeout:  time.Second,
		MirrorTimeout: time.Second,
	}}
	for _, opt := range options {
		opt(&cfg)
	}

	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "coedit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, store.DialectSQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st := store.NewSQLStore(db, store.DialectSQLite)
	seed(t, st)

	rooms := collab.NewRegistry(st, cfg.mirrors, nil, cfg.opts, testLogger())
	deps := Deps{
		Store:     st,
		Rooms:     rooms,
		JWTSecret: testSecret,
		SyncToken: testSyncToken,
		Logger:    testLogger(),
	}
	if cfg.deps != nil {
		cfg.deps(&deps, st)
	}
	svc := NewService(deps)
	httpServer := NewHTTPServer(svc, "*", testLogger())
	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rooms.Close(ctx)
	})

	return &fixture{store: st, rooms: rooms, svc: svc, http: httpServer, server: server}
}

func seed(t *testing.T, st *store.SQLStore) {
	t.Helper()
	ctx := context.Background()
	docs := []store.Document{
		{ID: "doc-1", Title: "Launch notes", Owner: "ana", Content: "hello"},
		{ID: "doc-2", Title: "Private", Owner: "cy", Content: "hello from cy"},
	}
	for _, d := range docs {
		if err := st.InsertDocument(ctx, d); err != nil {
			t.Fatalf("insert %s: %v", d.ID, err)
		}
	}
	if err := st.AddCollaborator(ctx, "doc-1", "ben"); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
}

func token(t *testing.T, username string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, username, strings.ToUpper(username[:1])+username[1:], time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do runs a request through the handler chain without a network hop.
func (f *fixture) do(t *testing.T, method, path, username string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	if username != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, username))
	}
	rr := httptest.NewRecorder()
	f.http.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

type wireMessage struct {
	Type         string   `json:"type"`
	DocumentID   string   `json:"documentId"`
	Version      int64    `json:"version"`
	Content      string   `json:"content"`
	LastEditedBy string   `json:"lastEditedBy"`
	AuthorID     string   `json:"authorId"`
	Ops          []ot.Op  `json:"ops"`
	ClientSeq    int64    `json:"clientSeq"`
	Authors      []string `json:"authors"`
	Code         string   `json:"code"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	resp *http.Response
}

func (f *fixture) dial(t *testing.T, username, documentID, query string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/documents/" + documentID + "/live"
	if query != "" {
		url += "?" + query
	}
	header := http.Header{"Authorization": []string{"Bearer " + token(t, username)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s as %s: %v", documentID, username, err)
	}
	c := &wsClient{t: t, conn: conn, resp: resp}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(payload any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(payload); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *wsClient) edit(base, seq int64, ops ...ot.Op) {
	c.t.Helper()
	c.send(map[string]any{"type": "edit", "baseVersion": base, "clientSeq": seq, "ops": ops})
}

// expect reads until a message of kind arrives, skipping presence updates.
func (c *wsClient) expect(kind string) wireMessage {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", kind, err)
		}
		if msg.Type == kind {
			return msg
		}
		if msg.Type != "presence" {
			c.t.Fatalf("expected %s, got %+v", kind, msg)
		}
	}
}

// expectEach reads one message of each kind in any order, skipping
// presence updates.
func (c *wsClient) expectEach(kinds ...string) map[string]wireMessage {
	c.t.Helper()
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	got := make(map[string]wireMessage, len(kinds))
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(kinds) {
		_ = c.conn.SetReadDeadline(deadline)
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %v: %v", kinds, err)
		}
		if msg.Type == "presence" {
			continue
		}
		if !want[msg.Type] {
			c.t.Fatalf("unexpected %+v while waiting for %v", msg, kinds)
		}
		if _, dup := got[msg.Type]; dup {
			c.t.Fatalf("duplicate %s message %+v", msg.Type, msg)
		}
		got[msg.Type] = msg
	}
	return got
}

func (c *wsClient) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
