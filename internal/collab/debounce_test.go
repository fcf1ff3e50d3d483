package collab

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"coedit/api/internal/ot"
	"coedit/api/internal/store"
)

func TestCommitsWithinIntervalShareOneFlush(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	opts := fastOptions()
	opts.FlushInterval = 80 * time.Millisecond
	reg := newTestRegistry(t, st, opts)

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	for v := int64(0); v < 10; v++ {
		mustSubmit(t, room, a, v, ot.Insert(0, "x"))
	}

	eventually(t, "debounced flush", func() bool { return st.doc("doc-1").Version == 10 })
	time.Sleep(2 * opts.FlushInterval)
	if got := st.saveCount(); got != 1 {
		t.Fatalf("expected 1 save for a burst of edits, got %d", got)
	}
	if state := room.deb.current(); state != stateClean {
		t.Fatalf("debouncer state = %s", state)
	}
}

// Scenario: storage fails twice and then recovers; edits made while it was
// failing are all in the stored copy.
func TestFlushRetriesUntilStorageRecovers(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	st.saveFn = func(attempt int, _ store.DocumentState) error {
		if attempt <= 2 {
			return errStorageDown
		}
		return nil
	}
	opts := fastOptions()
	opts.FlushInterval = 10 * time.Millisecond
	opts.RetryInitial = 30 * time.Millisecond
	opts.RetryMax = 60 * time.Millisecond
	reg := newTestRegistry(t, st, opts)

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	tries := func() int {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.tries
	}

	mustSubmit(t, room, a, 0, ot.Insert(0, "one "))
	eventually(t, "first failed flush", func() bool { return tries() >= 1 })
	mustSubmit(t, room, a, 1, ot.Insert(4, "two "))
	eventually(t, "second failed flush", func() bool { return tries() >= 2 })
	mustSubmit(t, room, a, 2, ot.Insert(8, "three"))

	eventually(t, "recovered flush", func() bool { return st.doc("doc-1").Version == 3 })
	if got := st.doc("doc-1").Content; got != "one two three" {
		t.Fatalf("stored content = %q", got)
	}
	if got := reg.Stats().FlushesFailed.Load(); got != 2 {
		t.Fatalf("FlushesFailed = %d", got)
	}
}

func TestAlertRaisedOncePerFailureStreak(t *testing.T) {
	var healthy atomic.Bool
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	st.saveFn = func(int, store.DocumentState) error {
		if healthy.Load() {
			return nil
		}
		return errStorageDown
	}
	alerts := &recordingAlerter{}
	opts := fastOptions()
	opts.FlushInterval = 5 * time.Millisecond
	opts.AlertAfter = 2
	reg := NewRegistry(st, nil, alerts, opts, testLogger())
	t.Cleanup(func() {
		healthy.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	mustSubmit(t, room, a, 0, ot.Insert(0, "x"))

	eventually(t, "repeated failures", func() bool { return reg.Stats().FlushesFailed.Load() >= 5 })
	eventually(t, "alert delivery", func() bool { return alerts.count() == 1 })
	if got := reg.Stats().Alerts.Load(); got != 1 {
		t.Fatalf("Alerts = %d", got)
	}

	// Edits keep flowing while storage is down.
	mustSubmit(t, room, a, 1, ot.Insert(1, "y"))

	healthy.Store(true)
	eventually(t, "recovery", func() bool { return st.doc("doc-1").Version == 2 })
	if got := alerts.count(); got != 1 {
		t.Fatalf("expected a single alert for one streak, got %d", got)
	}
}

func TestFlushOfDeletedDocumentIsTerminal(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	reg := newTestRegistry(t, st, fastOptions())

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	mustSubmit(t, room, a, 0, ot.Insert(0, "orphan"))

	st.mu.Lock()
	delete(st.docs, "doc-1")
	st.mu.Unlock()

	if err := room.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if state := room.deb.current(); state != stateClean {
		t.Fatalf("debouncer state = %s, want clean", state)
	}
	if got := reg.Stats().FlushesFailed.Load(); got != 0 {
		t.Fatalf("missing document counted as retryable failure %d times", got)
	}
}

func TestForcedFlushIsIdempotent(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	reg := newTestRegistry(t, st, fastOptions())

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	mustSubmit(t, room, a, 0, ot.Insert(0, "abc"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := reg.Flush(ctx, "doc-1"); err != nil {
			t.Fatalf("Flush() #%d error = %v", i+1, err)
		}
	}
	if got := st.saveCount(); got != 1 {
		t.Fatalf("clean room was saved again: %d saves", got)
	}
	if got := st.doc("doc-1"); got.Content != "abc" || got.Version != 1 {
		t.Fatalf("stored %+v", got)
	}
}

func TestForcedFlushHonorsContext(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	var failing atomic.Bool
	failing.Store(true)
	st.saveFn = func(int, store.DocumentState) error {
		if failing.Load() {
			return errStorageDown
		}
		return nil
	}
	reg := newTestRegistry(t, st, fastOptions())
	t.Cleanup(func() { failing.Store(false) })

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	mustSubmit(t, room, a, 0, ot.Insert(0, "abc"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := room.Flush(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, errStorageDown) {
		t.Fatalf("Flush() error = %v", err)
	}

	// The room keeps retrying in the background once the caller gives up.
	failing.Store(false)
	eventually(t, "background retry", func() bool { return st.doc("doc-1").Version == 1 })
}

func TestMirrorsRunAfterSaveAndSkipUnchangedContent(t *testing.T) {
	st := newMemStore(store.DocumentState{DocumentID: "doc-1"})
	broken := &recordingMirror{name: "broken", err: errors.New("bucket missing")}
	history := &recordingMirror{name: "history"}
	reg := newTestRegistry(t, st, fastOptions(), broken, history)

	room, a := join(t, reg, "doc-1", "ca", "ana", 0)
	mustSubmit(t, room, a, 0, ot.Insert(0, "abc"))
	if err := room.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if broken.count() != 1 || history.count() != 1 {
		t.Fatalf("mirror calls: broken=%d history=%d", broken.count(), history.count())
	}
	if got := history.calls[0]; got.Content != "abc" || got.Version != 1 || got.ContentHash != store.ContentHash("abc") {
		t.Fatalf("mirror received %+v", got)
	}
	if got := reg.Stats().MirrorFailures.Load(); got != 1 {
		t.Fatalf("MirrorFailures = %d", got)
	}

	// Typing and erasing the same text bumps the version but not the content.
	mustSubmit(t, room, a, 1, ot.Insert(3, "d"))
	mustSubmit(t, room, a, 2, ot.Delete(3, 1))
	if err := room.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if st.doc("doc-1").Version != 3 {
		t.Fatal("unchanged content must still persist the new version")
	}
	if history.count() != 1 {
		t.Fatalf("mirror ran for unchanged content: %d calls", history.count())
	}
}
