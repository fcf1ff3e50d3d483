package store

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

var ErrDocumentNotFound = errors.New("document not found")

// Membership values returned by MemberRole.
const (
	MemberOwner        = "owner"
	MemberCollaborator = "collaborator"
	MemberNone         = "none"
)

type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Owner   string `json:"owner"`
	Content string `json:"content,omitempty"`
}

// DocumentState is the durable copy of a document's text as last flushed
// by its room.
type DocumentState struct {
	DocumentID   string `json:"documentId"`
	Content      string `json:"content"`
	Version      int64  `json:"version"`
	LastEditedBy string `json:"lastEditedBy"`
	ContentHash  string `json:"contentHash"`
}

// ContentHash is the hex BLAKE2b-256 digest of content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
