package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Options struct {
	FlushInterval time.Duration
	RetryInitial  time.Duration
	RetryMax      time.Duration
	AlertAfter    int
	QueueSize     int
	// HistoryLimit caps the in-memory log per room; older clients resync
	// from a snapshot. Zero keeps everything.
	HistoryLimit  int
	WriteTimeout  time.Duration
	MirrorTimeout time.Duration
	// JoinWait bounds how long a join waits for a draining room to land
	// its final flush.
	JoinWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = 30 * time.Second
	}
	if o.AlertAfter <= 0 {
		o.AlertAfter = 5
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HistoryLimit < 0 {
		o.HistoryLimit = 0
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 5 * time.Second
	}
	if o.JoinWait <= 0 {
		o.JoinWait = 10 * time.Second
	}
	return o
}

type entry struct {
	ready chan struct{}
	room  *Room
	err   error
}

// Registry maps document ids to their open rooms. It loads a room on first
// join, and releases it once the last client has left and the final flush
// has landed.
type Registry struct {
	store   Store
	mirrors []Mirror
	alerter Alerter
	opts    Options
	log     *slog.Logger
	stats   *Stats

	mu     sync.Mutex
	rooms  map[string]*entry
	closed bool

	drainCtx    context.Context
	cancelDrain context.CancelFunc
	drains      sync.WaitGroup

	onRelease func(documentID string)
}

func NewRegistry(st Store, mirrors []Mirror, alerter Alerter, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	drainCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:       st,
		mirrors:     mirrors,
		alerter:     alerter,
		opts:        opts.withDefaults(),
		log:         logger,
		stats:       &Stats{},
		rooms:       make(map[string]*entry),
		drainCtx:    drainCtx,
		cancelDrain: cancel,
	}
}

func (g *Registry) Stats() *Stats {
	return g.stats
}

// Join attaches a client to the document's room, loading it if needed.
// Concurrent first joins share one load. A join that finds the room
// draining waits for the drain to finish and then loads a fresh room; if the
// drain outlasts JoinWait it gives up with ErrRoomDraining.
func (g *Registry) Join(ctx context.Context, documentID, clientID, authorID string, lastAcked int64) (*Room, *Client, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, nil, ErrRegistryClosed
		}
		e, ok := g.rooms[documentID]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			g.rooms[documentID] = e
			g.mu.Unlock()
			g.load(ctx, documentID, e)
		} else {
			g.mu.Unlock()
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if e.err != nil {
			return nil, nil, e.err
		}

		client, err := e.room.Attach(clientID, authorID, lastAcked)
		if errors.Is(err, ErrRoomClosed) {
			if err := g.awaitDrain(ctx, e.room); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return e.room, client, nil
	}
}

func (g *Registry) awaitDrain(ctx context.Context, room *Room) error {
	timer := time.NewTimer(g.opts.JoinWait)
	defer timer.Stop()
	select {
	case <-room.Drained():
		return nil
	case <-timer.C:
		return ErrRoomDraining
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Registry) load(ctx context.Context, documentID string, e *entry) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.WriteTimeout)
	defer cancel()

	state, err := g.store.LoadDocument(loadCtx, documentID)
	if err != nil {
		g.mu.Lock()
		if g.rooms[documentID] == e {
			delete(g.rooms, documentID)
		}
		g.mu.Unlock()
		e.err = fmt.Errorf("load room %s: %w", documentID, err)
		close(e.ready)
		return
	}

	room := newRoom(state, g.opts, g.stats, g.log)
	room.deb = newDebouncer(room, g.store, g.mirrors, g.alerter, g.opts, g.stats, g.log)
	room.onEmpty = g.startDrain
	e.room = room
	g.stats.RoomsOpen.Add(1)
	g.log.Info("room opened", "document_id", documentID, "version", state.Version)
	close(e.ready)
}

// Lookup returns the open room for documentID, if any.
func (g *Registry) Lookup(documentID string) (*Room, bool) {
	g.mu.Lock()
	e, ok := g.rooms[documentID]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.room, true
}

// Flush forces an open room to storage.
func (g *Registry) Flush(ctx context.Context, documentID string) error {
	room, ok := g.Lookup(documentID)
	if !ok {
		return ErrRoomNotOpen
	}
	return room.Flush(ctx)
}

func (g *Registry) startDrain(room *Room) {
	g.drains.Add(1)
	go func() {
		defer g.drains.Done()
		if err := room.deb.drain(g.drainCtx); err != nil {
			room.log.Error("drain abandoned", "error", err)
		}
		g.release(room)
	}()
}

// OnRelease registers fn to run when a room is released, before a fresh
// room for the same document can load. Set it before the first Join.
func (g *Registry) OnRelease(fn func(documentID string)) {
	g.onRelease = fn
}

// release drops room from the registry. Joiners parked on Drained retry
// against a fresh load.
func (g *Registry) release(room *Room) {
	room.deb.stop()
	select {
	case <-room.drained:
		return
	default:
	}
	if g.onRelease != nil {
		g.onRelease(room.id)
	}

	g.mu.Lock()
	if e, ok := g.rooms[room.id]; ok && e.room == room {
		delete(g.rooms, room.id)
	}
	g.mu.Unlock()

	close(room.drained)
	g.stats.RoomsOpen.Add(-1)
	g.log.Info("room released", "document_id", room.id)
}

// Close disconnects every client and flushes every open room. Rooms that
// cannot be flushed before ctx ends are reported in the returned error.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	var rooms []*Room
	for _, e := range g.rooms {
		select {
		case <-e.ready:
			if e.room != nil {
				rooms = append(rooms, e.room)
			}
		default:
		}
	}
	g.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		room.shutdown()
		if err := room.deb.drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	g.cancelDrain()
	g.drains.Wait()
	for _, room := range rooms {
		g.release(room)
	}
	return errors.Join(errs...)
}
