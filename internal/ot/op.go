// Package ot implements the merge engine for plain text documents: applying
// primitive insert/delete operations and transforming concurrent operation
// sequences so every replica converges on the same text.
//
// Positions and lengths count Unicode code points, not bytes.
package ot

import (
	"slices"
	"unicode/utf8"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is a single primitive edit. Inserts carry Text, deletes carry Len.
type Op struct {
	Type OpType `json:"type"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

func Insert(pos int, text string) Op {
	return Op{Type: OpInsert, Pos: pos, Text: text}
}

func Delete(pos, n int) Op {
	return Op{Type: OpDelete, Pos: pos, Len: n}
}

// Size is the number of code points an op adds (insert) or removes (delete).
func (o Op) Size() int {
	switch o.Type {
	case OpInsert:
		return utf8.RuneCountInString(o.Text)
	case OpDelete:
		return o.Len
	default:
		return 0
	}
}

// Normalize drops ops that can never have an effect: unknown types, empty
// inserts and non-positive deletes. It returns the kept ops and how many
// were dropped.
func Normalize(ops []Op) ([]Op, int) {
	kept := make([]Op, 0, len(ops))
	dropped := 0
	for _, op := range ops {
		switch {
		case op.Type == OpInsert && op.Text != "":
			kept = append(kept, op)
		case op.Type == OpDelete && op.Len > 0:
			kept = append(kept, op)
		default:
			dropped++
		}
	}
	return kept, dropped
}

// Apply runs ops in order against state. Out of range positions are clamped
// to the nearest valid boundary instead of failing. It returns the new state,
// the ops exactly as they were applied, and the number of ops that had to be
// clamped or dropped.
func Apply(state string, ops []Op) (string, []Op, int) {
	buf := []rune(state)
	applied := make([]Op, 0, len(ops))
	clamped := 0
	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			if op.Text == "" {
				clamped++
				continue
			}
			pos := clamp(op.Pos, 0, len(buf))
			if pos != op.Pos {
				clamped++
			}
			text := []rune(op.Text)
			buf = slices.Insert(buf, pos, text...)
			applied = append(applied, Insert(pos, string(text)))
		case OpDelete:
			pos := clamp(op.Pos, 0, len(buf))
			n := clamp(op.Len, 0, len(buf)-pos)
			if pos != op.Pos || n != op.Len {
				clamped++
			}
			if n == 0 {
				continue
			}
			buf = slices.Delete(buf, pos, pos+n)
			applied = append(applied, Delete(pos, n))
		default:
			clamped++
		}
	}
	return string(buf), applied, clamped
}

// Clamp fits ops, applied in order, to a text of length code points.
// Positions and lengths outside the text are pulled to the nearest boundary
// and deletes left empty are dropped. It returns the fitted ops and how many
// had to change.
func Clamp(ops []Op, length int) ([]Op, int) {
	out := make([]Op, 0, len(ops))
	changed := 0
	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			pos := clamp(op.Pos, 0, length)
			if pos != op.Pos {
				changed++
			}
			out = append(out, Insert(pos, op.Text))
			length += op.Size()
		case OpDelete:
			pos := clamp(op.Pos, 0, length)
			n := clamp(op.Len, 0, length-pos)
			if pos != op.Pos || n != op.Len {
				changed++
			}
			if n == 0 {
				continue
			}
			out = append(out, Delete(pos, n))
			length -= n
		default:
			changed++
		}
	}
	return out, changed
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
