package translate

import (
	"testing"

	"github.com/Polqt/crdtcollab/crdt"
)

func buildEngine(t *testing.T, text string) *crdt.Engine {
	t.Helper()
	e := crdt.NewEngine("server")
	for i, ch := range []rune(text) {
		if _, err := e.LocalInsert(i, ch); err != nil {
			t.Fatalf("seeding engine: %v", err)
		}
	}
	return e
}

func TestApplyDesiredTextNoChange(t *testing.T) {
	e := buildEngine(t, "hello")
	res := ApplyDesiredText(e, "hello")
	if len(res.Ops) != 0 || res.NeedsResync {
		t.Fatalf("expected no ops for identical text, got %+v", res)
	}
}

func TestApplyDesiredTextWholeDocumentReplace(t *testing.T) {
	e := buildEngine(t, "the quick brown fox")
	res := ApplyDesiredText(e, "the slow brown dog")

	if res.NeedsResync {
		t.Fatalf("unexpected resync: %+v", res)
	}
	if got := e.Value(); got != "the slow brown dog" {
		t.Fatalf("Value() = %q, want %q", got, "the slow brown dog")
	}
	if len(res.Ops) == 0 {
		t.Fatalf("expected ops touching the changed ranges")
	}
	// No churn on unchanged words: far fewer ops than a full rewrite
	// would need (len("the slow brown dog") deletes + inserts).
	if len(res.Ops) >= len("the quick brown fox")+len("the slow brown dog") {
		t.Fatalf("translator generated a full rewrite instead of a minimal diff: %d ops", len(res.Ops))
	}
}

func TestApplyDesiredTextPureInsertion(t *testing.T) {
	e := buildEngine(t, "ac")
	res := ApplyDesiredText(e, "abc")

	if res.NeedsResync {
		t.Fatalf("unexpected resync: %+v", res)
	}
	if e.Value() != "abc" {
		t.Fatalf("Value() = %q, want abc", e.Value())
	}
	if len(res.Ops) != 1 {
		t.Fatalf("expected exactly 1 insert op, got %d: %+v", len(res.Ops), res.Ops)
	}
	if res.Ops[0].Type != crdt.OpInsert {
		t.Fatalf("expected insert op, got %s", res.Ops[0].Type)
	}
}

func TestApplyDesiredTextPureDeletion(t *testing.T) {
	e := buildEngine(t, "abc")
	res := ApplyDesiredText(e, "ac")

	if res.NeedsResync {
		t.Fatalf("unexpected resync: %+v", res)
	}
	if e.Value() != "ac" {
		t.Fatalf("Value() = %q, want ac", e.Value())
	}
	if len(res.Ops) != 1 || res.Ops[0].Type != crdt.OpDelete {
		t.Fatalf("expected exactly 1 delete op, got %+v", res.Ops)
	}
}

func TestApplyDesiredTextMultiCharacterInsertIsPerCharacter(t *testing.T) {
	e := buildEngine(t, "")
	res := ApplyDesiredText(e, "abcd")

	if len(res.Ops) != 4 {
		t.Fatalf("expected 4 per-character insert ops, got %d", len(res.Ops))
	}
	for _, op := range res.Ops {
		if op.Type != crdt.OpInsert {
			t.Fatalf("expected all insert ops, got %s", op.Type)
		}
	}
	if e.Value() != "abcd" {
		t.Fatalf("Value() = %q, want abcd", e.Value())
	}
}
