package ot

import (
	"errors"
	"time"
	"unicode/utf8"
)

// ErrStaleBase means the edit's base version is older than the history the
// caller can provide, so it cannot be rebased. The client has to resync.
var ErrStaleBase = errors.New("base version is older than available history")

// Edit is a client submission expressed against BaseVersion.
type Edit struct {
	DocumentID  string `json:"documentId"`
	BaseVersion int64  `json:"baseVersion"`
	AuthorID    string `json:"authorId"`
	ClientID    string `json:"clientId,omitempty"`
	Ops         []Op   `json:"ops"`
}

// Committed is an edit accepted by a room and assigned Version. Its Ops are
// the transformed ops, valid against the state at Version-1.
type Committed struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	Version     int64     `json:"version"`
	AuthorID    string    `json:"authorId"`
	ClientID    string    `json:"clientId,omitempty"`
	Ops         []Op      `json:"ops"`
	CommittedAt time.Time `json:"committedAt"`
}

type Result struct {
	State   string
	Version int64
	Ops     []Op
	// Clamped counts ops that were dropped or clamped while normalizing,
	// plus one when the base version had to be pulled back to current.
	Clamped int
}

// Reconcile merges edit into state at version. history must hold the
// committed edits with versions in (edit.BaseVersion, version], in order.
// It is a pure function: nothing outside the returned Result is touched.
func Reconcile(state string, version int64, history []Committed, edit Edit) (Result, error) {
	clamped := 0
	base := edit.BaseVersion
	if base > version {
		base = version
		clamped++
	}
	if int64(len(history)) < version-base {
		return Result{}, ErrStaleBase
	}
	concurrent := history[int64(len(history))-(version-base):]
	for i, c := range concurrent {
		if c.Version != base+int64(i)+1 {
			return Result{}, ErrStaleBase
		}
	}

	ops, dropped := Normalize(edit.Ops)
	clamped += dropped
	ops, fitted := Clamp(ops, baseLength(state, concurrent))
	clamped += fitted
	for _, c := range concurrent {
		ops, _ = Transform(ops, c.Ops, Precedes(edit.AuthorID, edit.ClientID, c.AuthorID, c.ClientID))
	}

	next, applied, n := Apply(state, ops)
	return Result{
		State:   next,
		Version: version + 1,
		Ops:     applied,
		Clamped: clamped + n,
	}, nil
}

// baseLength recovers the length of the text the edit was written against
// by undoing the size changes of the concurrent commits.
func baseLength(state string, concurrent []Committed) int {
	n := utf8.RuneCountInString(state)
	for _, c := range concurrent {
		for _, op := range c.Ops {
			switch op.Type {
			case OpInsert:
				n -= op.Size()
			case OpDelete:
				n += op.Len
			}
		}
	}
	return max(n, 0)
}

// Precedes reports whether an insert from author a lands before a
// concurrent insert from author b at the same position. The smaller author
// id goes first; client ids break ties for the same author. With both equal
// the already committed side goes first.
func Precedes(authorA, clientA, authorB, clientB string) bool {
	if authorA != authorB {
		return authorA < authorB
	}
	return clientA < clientB
}
