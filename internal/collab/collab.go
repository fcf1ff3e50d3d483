// Package collab hosts live editing sessions. A Room is the single writer
// for one open document; the Registry owns the rooms of a process and the
// debouncer behind each room persists its text.
package collab

import (
	"context"
	"errors"

	"coedit/api/internal/store"
)

var (
	ErrRoomClosed     = errors.New("room is closed")
	ErrRoomNotOpen    = errors.New("room is not open")
	ErrRoomDraining   = errors.New("room is still saving its last edits")
	ErrRegistryClosed = errors.New("registry is shut down")
	ErrSlowConsumer   = errors.New("client fell behind and was disconnected")
	ErrClientClosed   = errors.New("client detached")
	ErrClientReplaced = errors.New("client reconnected elsewhere")
	ErrNotAttached    = errors.New("client is not attached to this room")
)

// Store is the durable copy of documents.
type Store interface {
	LoadDocument(ctx context.Context, documentID string) (store.DocumentState, error)
	SaveDocument(ctx context.Context, state store.DocumentState) error
}

// Mirror receives each successfully saved state. Mirror failures are logged
// and never retried.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, state store.DocumentState) error
}

// Alerter raises an operational alert.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}
