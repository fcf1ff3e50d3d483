// Package access decides whether a session may open or edit a document.
package access

import (
	"context"
	"errors"
	"fmt"

	"coedit/api/internal/store"
)

type Role string
type Intent string

const (
	RoleNone         Role = "none"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	IntentConnect Intent = "connect"
	IntentEdit    Intent = "edit"
)

var ErrNotCollaborator = errors.New("not a collaborator on this document")

// Can reports whether role permits intent. Owners and collaborators may both
// read and write; everyone else is refused.
func Can(role Role, intent Intent) bool {
	switch role {
	case RoleOwner, RoleCollaborator:
		return intent == IntentConnect || intent == IntentEdit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleCollaborator:
		return Role(role)
	default:
		return RoleNone
	}
}

// MembershipSource is the external collaborator data. It returns
// store.ErrDocumentNotFound for unknown documents.
type MembershipSource interface {
	MemberRole(ctx context.Context, documentID, username string) (string, error)
}

type Gate struct {
	members MembershipSource
}

func NewGate(members MembershipSource) *Gate {
	return &Gate{members: members}
}

// Authorize returns the caller's role when intent is allowed. Denials are
// ErrNotCollaborator or store.ErrDocumentNotFound so callers can tell them
// apart.
func (g *Gate) Authorize(ctx context.Context, username, documentID string, intent Intent) (Role, error) {
	if username == "" {
		return RoleNone, ErrNotCollaborator
	}
	raw, err := g.members.MemberRole(ctx, documentID, username)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return RoleNone, store.ErrDocumentNotFound
	}
	if err != nil {
		return RoleNone, fmt.Errorf("authorize %s: %w", documentID, err)
	}
	role := Normalize(raw)
	if !Can(role, intent) {
		return role, ErrNotCollaborator
	}
	return role, nil
}
