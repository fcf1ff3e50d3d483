package ot

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestApply(t *testing.T) {
	cases := []struct {
		name    string
		state   string
		ops     []Op
		want    string
		clamped int
	}{
		{name: "insert middle", state: "hello", ops: []Op{Insert(2, "XY")}, want: "heXYllo"},
		{name: "delete range", state: "hello", ops: []Op{Delete(1, 3)}, want: "ho"},
		{name: "sequential ops", state: "abc", ops: []Op{Insert(3, "d"), Delete(0, 1)}, want: "bcd"},
		{name: "multibyte positions", state: "héllo", ops: []Op{Delete(1, 1), Insert(1, "e")}, want: "hello"},
		{name: "insert past end clamps", state: "abc", ops: []Op{Insert(100, "!")}, want: "abc!", clamped: 1},
		{name: "negative insert clamps", state: "abc", ops: []Op{Insert(-4, ">")}, want: ">abc", clamped: 1},
		{name: "delete past end clamps", state: "abc", ops: []Op{Delete(1, 10)}, want: "a", clamped: 1},
		{name: "delete fully out of range", state: "abc", ops: []Op{Delete(7, 2)}, want: "abc", clamped: 1},
		{name: "unknown type dropped", state: "abc", ops: []Op{{Type: "bold", Pos: 1}}, want: "abc", clamped: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, clamped := Apply(tc.state, tc.ops)
			if got != tc.want {
				t.Fatalf("Apply() = %q, want %q", got, tc.want)
			}
			if clamped != tc.clamped {
				t.Fatalf("Apply() clamped = %d, want %d", clamped, tc.clamped)
			}
		})
	}
}

func TestApplyReturnsNormalizedOps(t *testing.T) {
	_, applied, _ := Apply("abc", []Op{Insert(9, "x"), Delete(2, 5)})
	want := []Op{Insert(3, "x"), Delete(2, 2)}
	if !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %+v, want %+v", applied, want)
	}
}

func TestTransformPairs(t *testing.T) {
	cases := []struct {
		name   string
		state  string
		a, b   []Op
		aFirst bool
		want   string
	}{
		{name: "inserts apart", state: "abc", a: []Op{Insert(0, "X")}, b: []Op{Insert(3, "Y")}, want: "XabcY"},
		{name: "same point a first", state: "abc", a: []Op{Insert(1, "A")}, b: []Op{Insert(1, "B")}, aFirst: true, want: "aABbc"},
		{name: "same point b first", state: "abc", a: []Op{Insert(1, "A")}, b: []Op{Insert(1, "B")}, aFirst: false, want: "aBAbc"},
		{name: "insert inside delete survives", state: "abcdef", a: []Op{Insert(3, "X")}, b: []Op{Delete(1, 4)}, want: "aXf"},
		{name: "insert at delete start", state: "abcdef", a: []Op{Insert(1, "X")}, b: []Op{Delete(1, 2)}, want: "aXdef"},
		{name: "insert at delete end", state: "abcdef", a: []Op{Insert(3, "X")}, b: []Op{Delete(1, 2)}, want: "aXdef"},
		{name: "overlapping deletes", state: "abcdefgh", a: []Op{Delete(1, 4)}, b: []Op{Delete(3, 4)}, want: "ah"},
		{name: "identical deletes", state: "abcdef", a: []Op{Delete(2, 2)}, b: []Op{Delete(2, 2)}, want: "abef"},
		{name: "contained delete", state: "abcdef", a: []Op{Delete(2, 1)}, b: []Op{Delete(1, 4)}, want: "af"},
		{name: "multi op sequences", state: "hello world", a: []Op{Delete(0, 5), Insert(0, "HELLO")}, b: []Op{Insert(11, "!"), Delete(5, 1)}, want: "HELLOworld!"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ap, bp := Transform(tc.a, tc.b, tc.aFirst)
			viaB := mustApply(t, mustApply(t, tc.state, tc.b), ap)
			viaA := mustApply(t, mustApply(t, tc.state, tc.a), bp)
			if viaA != viaB {
				t.Fatalf("diverged: a then b' = %q, b then a' = %q", viaA, viaB)
			}
			if viaA != tc.want {
				t.Fatalf("converged on %q, want %q", viaA, tc.want)
			}
		})
	}
}

func TestDeleteOfDeletedRangeBecomesNoop(t *testing.T) {
	ap, _ := Transform([]Op{Delete(2, 2)}, []Op{Delete(1, 4)}, false)
	if len(ap) != 0 {
		t.Fatalf("expected no-op, got %+v", ap)
	}
}

func TestTransformConvergesRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		state := randomText(rng, rng.Intn(12))
		a := randomOps(rng, state)
		b := randomOps(rng, state)
		aFirst := rng.Intn(2) == 0

		ap, bp := Transform(a, b, aFirst)
		viaB := mustApply(t, mustApply(t, state, b), ap)
		viaA := mustApply(t, mustApply(t, state, a), bp)
		if viaA != viaB {
			t.Fatalf("iteration %d: state=%q a=%+v b=%+v: %q != %q", i, state, a, b, viaA, viaB)
		}
	}
}

// Scenario: client X at version 3 inserts "foo"; Y applies the broadcast and
// ends up with the same text.
func TestReconcileFastPath(t *testing.T) {
	edit := Edit{DocumentID: "doc-1", BaseVersion: 3, AuthorID: "x", Ops: []Op{Insert(5, "foo")}}
	res, err := Reconcile("hello", 3, nil, edit)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Version != 4 || res.State != "hellofoo" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !reflect.DeepEqual(res.Ops, edit.Ops) {
		t.Fatalf("fast path must not rewrite ops: %+v", res.Ops)
	}

	yView := mustApply(t, "hello", res.Ops)
	if yView != res.State {
		t.Fatalf("client Y = %q, server = %q", yView, res.State)
	}
}

// Scenario: X and Y both edit version 5; X commits first as 6, Y is
// transformed into 7 and both clients converge.
func TestReconcileConcurrentEditsConverge(t *testing.T) {
	base := "abc"
	x := Edit{BaseVersion: 5, AuthorID: "xavier", ClientID: "cx", Ops: []Op{Insert(1, "X")}}
	y := Edit{BaseVersion: 5, AuthorID: "yolanda", ClientID: "cy", Ops: []Op{Insert(2, "Y"), Delete(0, 1)}}

	rx, err := Reconcile(base, 5, nil, x)
	if err != nil {
		t.Fatalf("Reconcile(x) error = %v", err)
	}
	if rx.Version != 6 || !reflect.DeepEqual(rx.Ops, x.Ops) {
		t.Fatalf("x should commit unchanged as 6: %+v", rx)
	}
	cx := Committed{Version: 6, AuthorID: x.AuthorID, ClientID: x.ClientID, Ops: rx.Ops}

	ry, err := Reconcile(rx.State, rx.Version, []Committed{cx}, y)
	if err != nil {
		t.Fatalf("Reconcile(y) error = %v", err)
	}
	if ry.Version != 7 {
		t.Fatalf("y version = %d, want 7", ry.Version)
	}

	// X had applied its own edit and now applies y's committed ops.
	clientX := mustApply(t, mustApply(t, base, x.Ops), ry.Ops)
	// Y had applied its own edit and rebases the incoming x over it.
	_, incoming := Transform(y.Ops, cx.Ops, Precedes(y.AuthorID, y.ClientID, cx.AuthorID, cx.ClientID))
	clientY := mustApply(t, mustApply(t, base, y.Ops), incoming)

	if clientX != ry.State || clientY != ry.State {
		t.Fatalf("diverged: server=%q x=%q y=%q", ry.State, clientX, clientY)
	}
	if ry.State != "XbYc" {
		t.Fatalf("server state = %q", ry.State)
	}
}

func TestReconcileTieBreakByAuthor(t *testing.T) {
	for _, order := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		first := Edit{BaseVersion: 0, AuthorID: order[0], Ops: []Op{Insert(0, order[0][:1])}}
		second := Edit{BaseVersion: 0, AuthorID: order[1], Ops: []Op{Insert(0, order[1][:1])}}

		r1, err := Reconcile("", 0, nil, first)
		if err != nil {
			t.Fatalf("Reconcile(first) error = %v", err)
		}
		c1 := Committed{Version: 1, AuthorID: first.AuthorID, Ops: r1.Ops}
		r2, err := Reconcile(r1.State, 1, []Committed{c1}, second)
		if err != nil {
			t.Fatalf("Reconcile(second) error = %v", err)
		}
		if r2.State != "ab" {
			t.Fatalf("commit order %v: state %q, want alice's text first", order, r2.State)
		}
	}
}

func TestReconcileSequentialConvergenceRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 300; round++ {
		base := randomText(rng, rng.Intn(10))
		authors := []string{"ann", "ben", "cat"}
		edits := make([]Edit, len(authors))
		for i, author := range authors {
			edits[i] = Edit{BaseVersion: 10, AuthorID: author, ClientID: author, Ops: randomOps(rng, base)}
		}
		rng.Shuffle(len(edits), func(i, j int) { edits[i], edits[j] = edits[j], edits[i] })

		state, version := base, int64(10)
		var log []Committed
		for _, e := range edits {
			res, err := Reconcile(state, version, log, e)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.Clamped != 0 {
				t.Fatalf("round %d: valid concurrent ops needed clamping: %+v", round, e)
			}
			state, version = res.State, res.Version
			log = append(log, Committed{Version: version, AuthorID: e.AuthorID, ClientID: e.ClientID, Ops: res.Ops})
		}

		// An observer replaying the log from the base reproduces the state.
		replay := base
		for _, c := range log {
			replay = mustApply(t, replay, c.Ops)
		}
		if replay != state {
			t.Fatalf("round %d: replay %q != state %q", round, replay, state)
		}
	}
}

func TestReconcileClampsFutureBase(t *testing.T) {
	res, err := Reconcile("abc", 2, nil, Edit{BaseVersion: 9, Ops: []Op{Insert(3, "d")}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.State != "abcd" || res.Version != 3 || res.Clamped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReconcileClampsMalformedOps(t *testing.T) {
	res, err := Reconcile("abc", 0, nil, Edit{Ops: []Op{Insert(50, "z"), {Type: OpDelete, Pos: 0, Len: -2}}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.State != "abcz" || res.Clamped != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// Out of range ops are fitted to the text they were written against before
// they meet concurrent commits, so another author's text is never swept up.
func TestReconcileClampsExtremeOpsAgainstHistory(t *testing.T) {
	cases := []struct {
		name    string
		history Op
		op      Op
		want    string
	}{
		{name: "huge delete splits around insert", history: Insert(3, "XYZ"), op: Delete(1, math.MaxInt), want: "aXYZ"},
		{name: "huge insert lands at end", history: Insert(0, "XYZ"), op: Insert(math.MaxInt, "!"), want: "XYZabcdef!"},
		{name: "negative insert lands at start", history: Insert(0, "XYZ"), op: Insert(math.MinInt, ">"), want: ">XYZabcdef"},
		{name: "negative delete starts at zero", history: Insert(0, "XYZ"), op: Delete(math.MinInt, 2), want: "XYZcdef"},
		{name: "delete past end dropped", history: Insert(3, "XYZ"), op: Delete(math.MaxInt, math.MaxInt), want: "abcXYZdef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := mustApply(t, "abcdef", []Op{tc.history})
			history := []Committed{{Version: 1, AuthorID: "bob", Ops: []Op{tc.history}}}
			res, err := Reconcile(state, 1, history, Edit{BaseVersion: 0, AuthorID: "alice", Ops: []Op{tc.op}})
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.State != tc.want {
				t.Fatalf("state = %q, want %q", res.State, tc.want)
			}
			if res.Clamped != 1 {
				t.Fatalf("Clamped = %d, want 1", res.Clamped)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	got, changed := Clamp([]Op{Insert(9, "xy"), Delete(-3, 4), Delete(5, 1)}, 3)
	want := []Op{Insert(3, "xy"), Delete(0, 4)}
	if !reflect.DeepEqual(got, want) || changed != 3 {
		t.Fatalf("Clamp() = %+v, %d; want %+v, 3", got, changed, want)
	}
}

func TestReconcileStaleBase(t *testing.T) {
	history := []Committed{{Version: 5}, {Version: 6}}
	_, err := Reconcile("abc", 6, history, Edit{BaseVersion: 2})
	if !errors.Is(err, ErrStaleBase) {
		t.Fatalf("expected ErrStaleBase, got %v", err)
	}

	_, err = Reconcile("abc", 6, []Committed{{Version: 4}, {Version: 6}}, Edit{BaseVersion: 4})
	if !errors.Is(err, ErrStaleBase) {
		t.Fatalf("expected ErrStaleBase for gap in history, got %v", err)
	}
}

func mustApply(t *testing.T, state string, ops []Op) string {
	t.Helper()
	next, _, clamped := Apply(state, ops)
	if clamped != 0 {
		t.Fatalf("Apply(%q, %+v) clamped %d ops", state, ops, clamped)
	}
	return next
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdeé文xyz"
	runes := []rune(alphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = runes[rng.Intn(len(runes))]
	}
	return string(out)
}

func randomOps(rng *rand.Rand, state string) []Op {
	length := len([]rune(state))
	count := 1 + rng.Intn(3)
	ops := make([]Op, 0, count)
	for i := 0; i < count; i++ {
		if length == 0 || rng.Intn(2) == 0 {
			text := randomText(rng, 1+rng.Intn(3))
			ops = append(ops, Insert(rng.Intn(length+1), text))
			length += len([]rune(text))
			continue
		}
		pos := rng.Intn(length)
		n := 1 + rng.Intn(length-pos)
		ops = append(ops, Delete(pos, n))
		length -= n
	}
	return ops
}
