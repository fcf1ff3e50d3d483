package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"coedit/api/internal/store"
)

type flushState int

const (
	stateClean flushState = iota
	stateDirty
	stateFlushing
)

func (s flushState) String() string {
	switch s {
	case stateClean:
		return "clean"
	case stateDirty:
		return "dirty"
	default:
		return "flushing"
	}
}

// debouncer persists one room. A commit on a clean room arms a single timer;
// later commits ride along until it fires, so the store sees at most one
// write per interval. Failed writes go back to dirty and retry with
// exponential backoff.
type debouncer struct {
	room    *Room
	store   Store
	mirrors []Mirror
	alerter Alerter
	log     *slog.Logger
	stats   *Stats

	interval      time.Duration
	writeTimeout  time.Duration
	mirrorTimeout time.Duration
	alertAfter    int

	mu        sync.Mutex
	state     flushState
	pending   bool
	timer     *time.Timer
	timerGen  int
	flushDone chan struct{}
	retry     backoff.BackOff
	failures  int
	alerted   bool
	draining  int
	stopped   bool
	lastHash  string
}

func newDebouncer(room *Room, st Store, mirrors []Mirror, alerter Alerter, opts Options, stats *Stats, logger *slog.Logger) *debouncer {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitial
	retry.MaxInterval = opts.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &debouncer{
		room:          room,
		store:         st,
		mirrors:       mirrors,
		alerter:       alerter,
		log:           logger.With("document_id", room.id),
		stats:         stats,
		interval:      opts.FlushInterval,
		writeTimeout:  opts.WriteTimeout,
		mirrorTimeout: opts.MirrorTimeout,
		alertAfter:    opts.AlertAfter,
		retry:         retry,
	}
}

// markDirty is called by the room under its lock for every commit.
func (d *debouncer) markDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateClean:
		d.state = stateDirty
		d.armLocked(d.interval)
	case stateDirty:
		if d.timer == nil && d.draining == 0 {
			d.armLocked(d.interval)
		}
	case stateFlushing:
		d.pending = true
	}
}

func (d *debouncer) armLocked(delay time.Duration) {
	if d.stopped || d.timer != nil {
		return
	}
	d.timerGen++
	gen := d.timerGen
	d.timer = time.AfterFunc(delay, func() { d.tick(gen) })
}

func (d *debouncer) tick(gen int) {
	d.mu.Lock()
	if gen != d.timerGen {
		// Stopped or superseded after it had already fired.
		d.mu.Unlock()
		return
	}
	d.timer = nil
	if d.state != stateDirty || d.stopped {
		d.mu.Unlock()
		return
	}
	d.beginLocked()
	d.mu.Unlock()

	d.attempt(context.Background())
}

func (d *debouncer) beginLocked() {
	d.cancelTimerLocked()
	d.state = stateFlushing
	d.pending = false
	d.flushDone = make(chan struct{})
}

// attempt writes the room's current state once. The caller must have moved
// the debouncer to flushing. It returns the write error, with terminal
// errors already swallowed, and how long to wait before retrying.
func (d *debouncer) attempt(ctx context.Context) (time.Duration, error) {
	state := d.room.persisted()

	saveCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	err := d.store.SaveDocument(saveCtx, state)
	cancel()

	terminal := errors.Is(err, store.ErrDocumentNotFound)
	if err == nil {
		d.stats.FlushesOK.Add(1)
		d.log.Debug("flushed document", "version", state.Version)
		d.mirror(ctx, state)
	} else if terminal {
		d.log.Error("document vanished from storage, dropping unsaved state", "version", state.Version)
	} else {
		d.stats.FlushesFailed.Add(1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.flushDone)

	if err == nil || terminal {
		d.failures = 0
		d.alerted = false
		d.retry.Reset()
		if d.pending {
			d.state = stateDirty
			if d.draining == 0 {
				d.armLocked(d.interval)
			}
		} else {
			d.state = stateClean
		}
		d.pending = false
		return 0, nil
	}

	d.failures++
	d.state = stateDirty
	d.pending = false
	wait := d.retry.NextBackOff()
	if wait == backoff.Stop {
		wait = d.interval
	}
	d.log.Warn("flush failed", "version", state.Version, "attempt", d.failures, "retry_in_ms", wait.Milliseconds(), "error", err)
	if d.failures >= d.alertAfter && !d.alerted {
		d.alerted = true
		d.stats.Alerts.Add(1)
		go d.raise(state, d.failures, err)
	}
	if d.draining == 0 {
		d.armLocked(wait)
	}
	return wait, err
}

// drain flushes until storage matches the room or ctx ends. A clean room
// returns at once.
func (d *debouncer) drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.draining--
		if d.draining == 0 && d.state == stateDirty {
			d.armLocked(d.retry.NextBackOff())
		}
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		switch d.state {
		case stateClean:
			d.mu.Unlock()
			return nil
		case stateFlushing:
			done := d.flushDone
			d.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		d.beginLocked()
		d.mu.Unlock()

		wait, err := d.attempt(ctx)
		if err == nil {
			continue
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %w", d.room.id, errors.Join(ctx.Err(), err))
		}
	}
}

func (d *debouncer) mirror(ctx context.Context, state store.DocumentState) {
	d.mu.Lock()
	unchanged := state.ContentHash == d.lastHash
	d.mu.Unlock()
	if unchanged || len(d.mirrors) == 0 {
		return
	}

	for _, m := range d.mirrors {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.mirrorTimeout)
		err := m.Mirror(mctx, state)
		cancel()
		if err != nil {
			d.stats.MirrorFailures.Add(1)
			d.log.Warn("mirror failed", "mirror", m.Name(), "version", state.Version, "error", err)
		}
	}

	d.mu.Lock()
	d.lastHash = state.ContentHash
	d.mu.Unlock()
}

func (d *debouncer) raise(state store.DocumentState, failures int, cause error) {
	subject := fmt.Sprintf("coedit: document %s is not being saved", state.DocumentID)
	body := fmt.Sprintf(
		"Saving document %s has failed %d times in a row.\nUnsaved version: %d\nLast error: %v\n\nLive editing continues; the room keeps retrying.",
		state.DocumentID, failures, state.Version, cause,
	)
	d.log.Error("flush failures exceeded bound", "failures", failures, "version", state.Version, "error", cause)
	if d.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.mirrorTimeout)
	defer cancel()
	if err := d.alerter.Alert(ctx, subject, body); err != nil {
		d.log.Warn("send alert", "error", err)
	}
}

func (d *debouncer) current() flushState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cancelTimerLocked()
}

func (d *debouncer) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerGen++
}
