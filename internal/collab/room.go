package collab

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"coedit/api/internal/ot"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

// Submission is an edit as sent by a client. Author and client identity
// come from the attached connection, never from the payload.
type Submission struct {
	BaseVersion int64
	Ops         []ot.Op
	Seq         int64
}

type Commit struct {
	Edit ot.Committed
	// EditorChanged is true when this commit moved lastEditedBy to a new
	// author.
	EditorChanged bool
}

// Room is the live session of one document. Every mutation of state,
// version and log happens under mu, and only in memory.
type Room struct {
	id           string
	log          *slog.Logger
	stats        *Stats
	queueSize    int
	historyLimit int

	mu           sync.Mutex
	state        string
	version      int64
	history      []ot.Committed
	lastEditedBy string
	clients      map[string]*Client
	cursors      map[string]int
	closed       bool

	deb     *debouncer
	onEmpty func(*Room)
	drained chan struct{}
}

func newRoom(loaded store.DocumentState, opts Options, stats *Stats, logger *slog.Logger) *Room {
	return &Room{
		id:           loaded.DocumentID,
		log:          logger.With("document_id", loaded.DocumentID),
		stats:        stats,
		queueSize:    opts.QueueSize,
		historyLimit: opts.HistoryLimit,
		state:        loaded.Content,
		version:      loaded.Version,
		lastEditedBy: loaded.LastEditedBy,
		clients:      make(map[string]*Client),
		cursors:      make(map[string]int),
		drained:      make(chan struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

// Drained is closed once the room has flushed after its last client left
// and been released from the registry.
func (r *Room) Drained() <-chan struct{} {
	return r.drained
}

// Submit merges sub from the attached client c into the document. The
// submitter gets an ack and every other client the transformed edit, both
// queued before Submit returns.
func (r *Room) Submit(c *Client, sub Submission) (Commit, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Commit{}, ErrRoomClosed
	}
	if r.clients[c.ID] != c {
		r.mu.Unlock()
		return Commit{}, ErrNotAttached
	}

	edit := ot.Edit{
		DocumentID:  r.id,
		BaseVersion: sub.BaseVersion,
		AuthorID:    c.AuthorID,
		ClientID:    c.ID,
		Ops:         sub.Ops,
	}
	res, err := ot.Reconcile(r.state, r.version, r.history, edit)
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, ot.ErrStaleBase) {
			r.stats.StaleResyncs.Add(1)
		}
		return Commit{}, err
	}

	committed := ot.Committed{
		ID:          util.NewEditID(),
		DocumentID:  r.id,
		Version:     res.Version,
		AuthorID:    c.AuthorID,
		ClientID:    c.ID,
		Ops:         res.Ops,
		CommittedAt: time.Now().UTC(),
	}
	r.state = res.State
	r.version = res.Version
	r.history = append(r.history, committed)
	if r.historyLimit > 0 && len(r.history) > r.historyLimit {
		r.history = slices.Clone(r.history[len(r.history)-r.historyLimit:])
	}
	changed := r.lastEditedBy != c.AuthorID
	r.lastEditedBy = c.AuthorID
	if r.deb != nil {
		r.deb.markDirty()
	}

	var slow []*Client
	for id, peer := range r.clients {
		d := Delivery{Kind: DeliveryEdit, Edit: committed}
		if id == c.ID {
			d = Delivery{Kind: DeliveryAck, Edit: committed, Seq: sub.Seq}
		}
		if !peer.offer(d) {
			slow = append(slow, peer)
		}
	}
	empty := r.dropLocked(slow, ErrSlowConsumer)
	if (changed || len(slow) > 0) && !empty {
		r.broadcastPresenceLocked()
	}
	r.mu.Unlock()

	r.stats.EditsCommitted.Add(1)
	if res.Clamped > 0 {
		r.stats.OpsClamped.Add(int64(res.Clamped))
		r.log.Warn("clamped malformed edit", "version", res.Version, "author_id", c.AuthorID, "clamped", res.Clamped)
	}
	for _, peer := range slow {
		r.log.Warn("disconnected slow client", "client_id", peer.ID, "author_id", peer.AuthorID)
	}
	if empty {
		r.emptied()
	}
	return Commit{Edit: committed, EditorChanged: changed}, nil
}

// Attach registers a connection. Entries after lastAcked are queued for
// replay before any live traffic; a snapshot is sent instead when the log
// cannot cover the gap or lastAcked is negative.
func (r *Room) Attach(clientID, authorID string, lastAcked int64) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}

	if prev, ok := r.clients[clientID]; ok {
		delete(r.clients, clientID)
		prev.close(ErrClientReplaced)
		r.stats.ClientsAttached.Add(-1)
	}

	c := newClient(clientID, authorID, r.id, r.queueSize)
	floor := r.version - int64(len(r.history))
	if lastAcked < 0 || lastAcked < floor || lastAcked > r.version {
		c.replay = append(c.replay, Delivery{Kind: DeliverySnapshot, Snapshot: r.snapshotLocked()})
	} else {
		for _, entry := range r.history[lastAcked-floor:] {
			kind := DeliveryEdit
			if entry.ClientID == clientID {
				kind = DeliveryAck
			}
			c.replay = append(c.replay, Delivery{Kind: kind, Edit: entry})
		}
	}
	c.version.Store(lastAcked)

	r.clients[clientID] = c
	r.stats.ClientsAttached.Add(1)
	r.broadcastPresenceLocked()
	return c, nil
}

// Detach removes c. Removing the last client starts the drain.
func (r *Room) Detach(c *Client) {
	r.mu.Lock()
	if r.clients[c.ID] != c {
		r.mu.Unlock()
		c.close(ErrClientClosed)
		return
	}
	empty := r.dropLocked([]*Client{c}, ErrClientClosed)
	if !empty {
		r.broadcastPresenceLocked()
	}
	r.mu.Unlock()

	if empty {
		r.emptied()
	}
}

// Resync queues a full snapshot for c behind whatever it already has
// pending.
func (r *Room) Resync(c *Client) error {
	r.mu.Lock()
	if r.clients[c.ID] != c {
		r.mu.Unlock()
		return ErrNotAttached
	}
	ok := c.offer(Delivery{Kind: DeliverySnapshot, Snapshot: r.snapshotLocked()})
	empty := false
	if !ok {
		empty = r.dropLocked([]*Client{c}, ErrSlowConsumer)
	}
	r.mu.Unlock()

	if empty {
		r.emptied()
	}
	return nil
}

// UpdateCursor records c's caret and relays presence to everyone.
func (r *Room) UpdateCursor(c *Client, pos int) error {
	r.mu.Lock()
	if r.clients[c.ID] != c {
		r.mu.Unlock()
		return ErrNotAttached
	}
	r.cursors[c.ID] = max(pos, 0)
	r.broadcastPresenceLocked()
	r.mu.Unlock()
	return nil
}

// Presence returns the current authors, cursors and last editor.
func (r *Room) Presence() Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

// Snapshot returns the authoritative text and version.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.snapshotLocked()
}

// Flush forces the pending state to storage and waits for the result.
func (r *Room) Flush(ctx context.Context) error {
	if r.deb == nil {
		return nil
	}
	return r.deb.drain(ctx)
}

func (r *Room) snapshotLocked() *Snapshot {
	return &Snapshot{
		DocumentID:   r.id,
		Content:      r.state,
		Version:      r.version,
		LastEditedBy: r.lastEditedBy,
	}
}

func (r *Room) presenceLocked() Presence {
	seen := make(map[string]bool, len(r.clients))
	authors := make([]string, 0, len(r.clients))
	cursors := make([]Cursor, 0, len(r.cursors))
	for id, c := range r.clients {
		if !seen[c.AuthorID] {
			seen[c.AuthorID] = true
			authors = append(authors, c.AuthorID)
		}
		if pos, ok := r.cursors[id]; ok {
			cursors = append(cursors, Cursor{ClientID: id, AuthorID: c.AuthorID, Pos: pos})
		}
	}
	sort.Strings(authors)
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].ClientID < cursors[j].ClientID })
	return Presence{
		DocumentID:   r.id,
		Version:      r.version,
		Authors:      authors,
		LastEditedBy: r.lastEditedBy,
		Cursors:      cursors,
	}
}

func (r *Room) broadcastPresenceLocked() {
	for {
		p := r.presenceLocked()
		var slow []*Client
		for _, c := range r.clients {
			if !c.offer(Delivery{Kind: DeliveryPresence, Presence: &p}) {
				slow = append(slow, c)
			}
		}
		if len(slow) == 0 {
			return
		}
		// The remaining clients need to hear about the ones just dropped.
		if r.dropLocked(slow, ErrSlowConsumer) {
			return
		}
	}
}

// dropLocked closes and removes clients. It reports whether the room became
// empty, in which case it is also marked closed so no one can attach while
// it drains.
func (r *Room) dropLocked(clients []*Client, reason error) bool {
	if len(clients) == 0 {
		return false
	}
	for _, c := range clients {
		if r.clients[c.ID] != c {
			continue
		}
		delete(r.clients, c.ID)
		delete(r.cursors, c.ID)
		c.close(reason)
		r.stats.ClientsAttached.Add(-1)
		if errors.Is(reason, ErrSlowConsumer) {
			r.stats.SlowConsumers.Add(1)
		}
	}
	if len(r.clients) == 0 && !r.closed {
		r.closed = true
		return true
	}
	return false
}

func (r *Room) emptied() {
	if r.onEmpty != nil {
		r.onEmpty(r)
	}
}

// shutdown disconnects every client and refuses new ones.
func (r *Room) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		delete(r.clients, id)
		c.close(ErrRoomClosed)
		r.stats.ClientsAttached.Add(-1)
	}
	r.cursors = make(map[string]int)
	r.closed = true
}

func (r *Room) persisted() store.DocumentState {
	snap := r.Snapshot()
	return store.DocumentState{
		DocumentID:   snap.DocumentID,
		Content:      snap.Content,
		Version:      snap.Version,
		LastEditedBy: snap.LastEditedBy,
		ContentHash:  store.ContentHash(snap.Content),
	}
}
