package crdt

import "testing"

func mustInsert(t *testing.T, e *Engine, index int, ch rune) Operation {
	t.Helper()
	op, err := e.LocalInsert(index, ch)
	if err != nil {
		t.Fatalf("LocalInsert(%d, %q): %v", index, ch, err)
	}
	return op
}

func TestLocalInsertAppendsAndReads(t *testing.T) {
	e := NewEngine("site1")
	mustInsert(t, e, 0, 'H')
	mustInsert(t, e, 1, 'i')

	if got := e.Value(); got != "Hi" {
		t.Fatalf("Value() = %q, want %q", got, "Hi")
	}
}

func TestLocalInsertIndexTooLargeFails(t *testing.T) {
	e := NewEngine("site1")
	mustInsert(t, e, 0, 'A')
	if _, err := e.LocalInsert(5, 'B'); err == nil {
		t.Fatalf("expected error for out-of-range insert index")
	}
}

func TestLocalDeleteNoopOnOutOfRange(t *testing.T) {
	e := NewEngine("site1")
	mustInsert(t, e, 0, 'A')
	op, err := e.LocalDelete(9)
	if err != nil {
		t.Fatalf("LocalDelete: unexpected error %v", err)
	}
	if op.Type != OpNoop {
		t.Fatalf("op.Type = %q, want noop", op.Type)
	}
}

func TestLocalDeleteIdempotentNoop(t *testing.T) {
	e := NewEngine("site1")
	mustInsert(t, e, 0, 'P')
	mustInsert(t, e, 1, 'Q')

	if _, err := e.LocalDelete(1); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if got := e.Value(); got != "P" {
		t.Fatalf("Value() after delete = %q, want %q", got, "P")
	}

	op, err := e.LocalDelete(1)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if op.Type != OpNoop {
		t.Fatalf("second delete op.Type = %q, want noop (already out of visible range)", op.Type)
	}
	if got := e.Value(); got != "P" {
		t.Fatalf("Value() after second delete = %q, want %q", got, "P")
	}
}

func TestInterleavedInsertsConverge(t *testing.T) {
	a := NewEngine("A")
	b := NewEngine("B")

	op1 := mustInsert(t, a, 0, 'H')
	op2 := mustInsert(t, a, 1, 'i')

	b.ApplyRemote(op1)
	b.ApplyRemote(op2)

	op3 := mustInsert(t, b, 0, 'X')
	a.ApplyRemote(op3)

	if a.Value() != "XHi" {
		t.Fatalf("a.Value() = %q, want XHi", a.Value())
	}
	if b.Value() != "XHi" {
		t.Fatalf("b.Value() = %q, want XHi", b.Value())
	}
	if a.Value() != b.Value() {
		t.Fatalf("sites diverged: a=%q b=%q", a.Value(), b.Value())
	}
}

func TestConcurrentInsertSamePositionAgreesByIDOrder(t *testing.T) {
	c1 := NewEngine("C1")
	opA := mustInsert(t, c1, 0, 'A')
	c2 := NewEngine("C2")
	c2.ApplyRemote(opA)

	opY := mustInsert(t, c1, 1, 'Y')
	opZ := mustInsert(t, c2, 1, 'Z')

	c1.ApplyRemote(opZ)
	c2.ApplyRemote(opY)

	if c1.Value() != c2.Value() {
		t.Fatalf("sites diverged: c1=%q c2=%q", c1.Value(), c2.Value())
	}
	if c1.Value() != "AYZ" && c1.Value() != "AZY" {
		t.Fatalf("unexpected converged value %q", c1.Value())
	}

	wantValue := "AZY"
	if opY.Element.ID.Greater(opZ.Element.ID) {
		wantValue = "AYZ"
	}
	if c1.Value() != wantValue {
		t.Fatalf("greater id did not win the earlier visible position: got %q, want %q", c1.Value(), wantValue)
	}
}

func TestOutOfOrderDeliveryStillConverges(t *testing.T) {
	a := NewEngine("A")
	opA := mustInsert(t, a, 0, 'A')
	opB := mustInsert(t, a, 1, 'B')

	b := NewEngine("B")
	// Deliver the later insert before the one it depends on.
	b.ApplyRemote(opB)
	if got := b.Value(); got != "" {
		t.Fatalf("orphan insert should not be visible yet, got %q", got)
	}
	b.ApplyRemote(opA)

	if got := b.Value(); got != "AB" {
		t.Fatalf("b.Value() = %q, want AB", got)
	}
}

func TestDeleteWinsOverResurrectionAttempt(t *testing.T) {
	a := NewEngine("A")
	insertOp, err := a.LocalInsert(0, 'X')
	if err != nil {
		t.Fatal(err)
	}

	b := NewEngine("B")
	b.ApplyRemote(insertOp)
	deleteOpB, err := b.LocalDelete(0)
	if err != nil {
		t.Fatal(err)
	}

	a.ApplyRemote(deleteOpB)
	if a.Value() != "" {
		t.Fatalf("a.Value() = %q, want empty after delete", a.Value())
	}

	// Re-deliver the original insert: must not resurrect the tombstone.
	a.ApplyRemote(insertOp)
	if a.Value() != "" {
		t.Fatalf("re-applying insert resurrected a tombstone: a.Value() = %q", a.Value())
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	a := NewEngine("A")
	op := mustInsert(t, a, 0, 'Z')

	b := NewEngine("B")
	b.ApplyRemote(op)
	b.ApplyRemote(op)
	b.ApplyRemote(op)

	if b.Value() != "Z" {
		t.Fatalf("b.Value() = %q, want Z", b.Value())
	}
}

func TestSentinelPreservedAfterOperations(t *testing.T) {
	e := NewEngine("A")
	mustInsert(t, e, 0, 'X')
	e.LocalDelete(0)

	found := false
	for _, el := range e.store.iterate() {
		if el.ID == Head {
			found = true
			if el.IsTombstone {
				t.Fatalf("HEAD must never be tombstoned")
			}
		}
	}
	if !found {
		t.Fatalf("HEAD sentinel missing from store")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	e := NewEngine("A")
	mustInsert(t, e, 0, 'H')
	mustInsert(t, e, 1, 'e')
	mustInsert(t, e, 2, 'l')
	mustInsert(t, e, 3, 'l')
	mustInsert(t, e, 4, 'o')
	e.LocalDelete(4)

	state := e.Serialize()
	restored := Deserialize(state)

	if restored.Value() != e.Value() {
		t.Fatalf("round-trip value mismatch: got %q want %q", restored.Value(), e.Value())
	}
	if len(restored.store.byID) != len(e.store.byID) {
		t.Fatalf("round-trip element count mismatch: got %d want %d", len(restored.store.byID), len(e.store.byID))
	}
}

func TestDeserializeMissingHeadIsRepaired(t *testing.T) {
	state := SerializedState{SiteID: "A", ElementsByID: map[string]ElementDTO{}}
	e := Deserialize(state)

	if _, ok := e.store.get(Head); !ok {
		t.Fatalf("Deserialize must repair a missing HEAD sentinel")
	}
}

func TestReplaceAllRejectsMissingHead(t *testing.T) {
	e := NewEngine("A")
	if err := e.store.replaceAll(map[ElementID]*Element{}); err == nil {
		t.Fatalf("replaceAll should reject a map without HEAD")
	}
}

func TestVisibleSequenceDeterministic(t *testing.T) {
	a := NewEngine("A")
	mustInsert(t, a, 0, 'a')
	mustInsert(t, a, 1, 'b')
	mustInsert(t, a, 2, 'c')

	state := a.Serialize()
	b := Deserialize(state)

	seqA := a.VisibleSequence()
	seqB := b.VisibleSequence()
	if len(seqA) != len(seqB) {
		t.Fatalf("sequence length mismatch: %d vs %d", len(seqA), len(seqB))
	}
	for i := range seqA {
		if seqA[i].ID != seqB[i].ID {
			t.Fatalf("sequence element %d id mismatch: %v vs %v", i, seqA[i].ID, seqB[i].ID)
		}
	}
}
