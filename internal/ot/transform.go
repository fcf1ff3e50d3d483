package ot

// Transform takes two op sequences a and b that were both produced against the
// same state and returns a' and b' such that applying b then a' yields the
// same text as applying a then b'.
//
// aFirst breaks ties between inserts at the same position: when true the
// text from a ends up before the text from b.
func Transform(a, b []Op, aFirst bool) ([]Op, []Op) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) == 1 && len(b) == 1 {
		return transformOp(a[0], b[0], aFirst)
	}
	if len(a) > 1 {
		head, b1 := Transform(a[:1], b, aFirst)
		tail, b2 := Transform(a[1:], b1, aFirst)
		return append(head, tail...), b2
	}
	a1, head := Transform(a, b[:1], aFirst)
	a2, tail := Transform(a1, b[1:], aFirst)
	return a2, append(head, tail...)
}

func transformOp(x, y Op, xFirst bool) ([]Op, []Op) {
	switch {
	case x.Type == OpInsert && y.Type == OpInsert:
		if x.Pos < y.Pos || (x.Pos == y.Pos && xFirst) {
			return []Op{x}, []Op{Insert(y.Pos+x.Size(), y.Text)}
		}
		return []Op{Insert(x.Pos+y.Size(), x.Text)}, []Op{y}

	case x.Type == OpInsert && y.Type == OpDelete:
		return insertDelete(x, y)

	case x.Type == OpDelete && y.Type == OpInsert:
		yp, xp := insertDelete(y, x)
		return xp, yp

	case x.Type == OpDelete && y.Type == OpDelete:
		return shrinkDelete(x, y), shrinkDelete(y, x)
	}
	return []Op{x}, []Op{y}
}

// insertDelete transforms a concurrent insert and delete. An insert strictly
// inside the deleted range survives and splits the delete around it.
func insertDelete(ins, del Op) ([]Op, []Op) {
	n := ins.Size()
	end := del.Pos + del.Len
	switch {
	case ins.Pos <= del.Pos:
		return []Op{ins}, []Op{Delete(del.Pos+n, del.Len)}
	case ins.Pos >= end:
		return []Op{Insert(ins.Pos-del.Len, ins.Text)}, []Op{del}
	default:
		before := ins.Pos - del.Pos
		return []Op{Insert(del.Pos, ins.Text)}, []Op{
			Delete(del.Pos, before),
			Delete(del.Pos+n, del.Len-before),
		}
	}
}

// shrinkDelete rewrites delete a to run after delete b. Whatever b already
// removed is dropped from a; a fully covered delete becomes a no-op.
func shrinkDelete(a, b Op) []Op {
	aEnd := a.Pos + a.Len
	bEnd := b.Pos + b.Len
	if aEnd <= b.Pos {
		return []Op{a}
	}
	if a.Pos >= bEnd {
		return []Op{Delete(a.Pos-b.Len, a.Len)}
	}
	overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)
	remaining := a.Len - overlap
	if remaining <= 0 {
		return nil
	}
	return []Op{Delete(min(a.Pos, b.Pos), remaining)}
}
