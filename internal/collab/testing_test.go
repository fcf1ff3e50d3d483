package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"coedit/api/internal/ot"
	"coedit/api/internal/store"
)

// memStore keeps documents in memory. saveFn, when set, runs before a save
// is recorded and can fail it.
type memStore struct {
	mu     sync.Mutex
	docs   map[string]store.DocumentState
	loads  int
	saves  []store.DocumentState
	loadFn func(documentID string) error
	saveFn func(attempt int, state store.DocumentState) error
	tries  int
}

func newMemStore(docs ...store.DocumentState) *memStore {
	m := &memStore{docs: make(map[string]store.DocumentState)}
	for _, d := range docs {
		m.docs[d.DocumentID] = d
	}
	return m
}

func (m *memStore) LoadDocument(_ context.Context, documentID string) (store.DocumentState, error) {
	m.mu.Lock()
	m.loads++
	fn := m.loadFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(documentID); err != nil {
			return store.DocumentState{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return store.DocumentState{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (m *memStore) SaveDocument(_ context.Context, state store.DocumentState) error {
	m.mu.Lock()
	m.tries++
	attempt := m.tries
	fn := m.saveFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(attempt, state); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[state.DocumentID]; !ok {
		return store.ErrDocumentNotFound
	}
	m.docs[state.DocumentID] = state
	m.saves = append(m.saves, state)
	return nil
}

func (m *memStore) doc(id string) store.DocumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id]
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *memStore) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type recordingMirror struct {
	name string
	err  error

	mu    sync.Mutex
	calls []store.DocumentState
}

func (r *recordingMirror) Name() string { return r.name }

func (r *recordingMirror) Mirror(_ context.Context, state store.DocumentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, state)
	return r.err
}

func (r *recordingMirror) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

var errStorageDown = errors.New("storage unavailable")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		FlushInterval: time.Hour,
		RetryInitial:  5 * time.Millisecond,
		RetryMax:      20 * time.Millisecond,
		AlertAfter:    3,
		QueueSize:     1024,
		WriteTimeout:  time.Second,
		MirrorTimeout: time.Second,
	}
}

func newTestRegistry(t *testing.T, st Store, opts Options, mirrors ...Mirror) *Registry {
	t.Helper()
	reg := NewRegistry(st, mirrors, nil, opts, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return reg
}

func join(t *testing.T, reg *Registry, documentID, clientID, author string, lastAcked int64) (*Room, *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	room, client, err := reg.Join(ctx, documentID, clientID, author, lastAcked)
	if err != nil {
		t.Fatalf("Join(%s, %s) error = %v", documentID, clientID, err)
	}
	return room, client
}

// nextEdit returns the next edit, ack or snapshot delivery, skipping
// presence traffic.
func nextEdit(c *Client) (Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		d, err := c.Next(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if d.Kind != DeliveryPresence {
			return d, nil
		}
	}
}

func mustNextEdit(t *testing.T, c *Client) Delivery {
	t.Helper()
	d, err := nextEdit(c)
	if err != nil {
		t.Fatalf("Next() for %s error = %v", c.ID, err)
	}
	return d
}

func mustSubmit(t *testing.T, room *Room, c *Client, base int64, ops ...ot.Op) Commit {
	t.Helper()
	commit, err := room.Submit(c, Submission{BaseVersion: base, Ops: ops})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return commit
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// replica is a client side copy of a document following the one edit in
// flight protocol.
type replica struct {
	client   *Client
	state    string
	version  int64
	pending  []ot.Op
	inFlight bool
}

func (r *replica) receive(d Delivery) {
	switch d.Kind {
	case DeliverySnapshot:
		r.state, r.version = d.Snapshot.Content, d.Snapshot.Version
		r.pending, r.inFlight = nil, false
	case DeliveryAck:
		r.version = d.Edit.Version
		r.pending, r.inFlight = nil, false
	case DeliveryEdit:
		incoming := d.Edit.Ops
		if r.inFlight {
			aFirst := ot.Precedes(r.client.AuthorID, r.client.ID, d.Edit.AuthorID, d.Edit.ClientID)
			r.pending, incoming = ot.Transform(r.pending, incoming, aFirst)
		}
		r.state, _, _ = ot.Apply(r.state, incoming)
		r.version = d.Edit.Version
	}
}
