package util

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable id, optionally prefixed.
func NewID(prefix string) string {
	id := ulid.Make().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewEditID names a committed edit. Ids sort in commit order within a process.
func NewEditID() string {
	return NewID("ed")
}

func NewClientID() string {
	return uuid.NewString()
}
