// Package translate implements the Edit Translator: it turns an opaque
// "client wants the document to read X" message into a minimal,
// correctly-ordered stream of RGA local operations (spec §4.3).
package translate

import (
	"log/slog"
	"sort"

	"github.com/Polqt/crdtcollab/crdt"
)

// Engine is the subset of crdt.Engine the translator needs. Declared as
// an interface so tests can substitute a fake without pulling in the
// full CRDT package's invariants.
type Engine interface {
	Value() string
	LocalInsert(index int, ch rune) (crdt.Operation, error)
	LocalDelete(index int) (crdt.Operation, error)
}

// Result is what applying a client's desired text produced: the
// operations to publish/broadcast, and whether a divergence was
// detected that requires a full_state_update resync (§4.3's
// post-condition check and §7's DivergenceDetected).
type Result struct {
	Ops           []crdt.Operation
	NeedsResync   bool
	ResyncedValue string
}

// ApplyDesiredText diffs desiredText against engine.Value() and applies
// the minimal set of per-character inserts/deletes needed to make the
// engine converge on desiredText, in the canonical delete-before-insert,
// reverse-delete / forward-insert order (§4.3 steps 3-5).
func ApplyDesiredText(engine Engine, desiredText string) Result {
	serverText := engine.Value()
	if desiredText == serverText {
		return Result{}
	}

	opcodes := diffOpcodes([]rune(serverText), []rune(desiredText))
	desiredRunes := []rune(desiredText)

	type deletion struct{ start, end int }
	type insertion struct {
		at   int
		text []rune
	}
	var deletions []deletion
	var insertions []insertion

	// Insertions are positioned by their index into desiredText: once all
	// deletions and every earlier insertion have been applied, the text
	// before each insertion point reads exactly desiredText[:j1].
	for _, oc := range opcodes {
		switch oc.tag {
		case tagDelete:
			deletions = append(deletions, deletion{oc.i1, oc.i2})
		case tagInsert:
			insertions = append(insertions, insertion{oc.j1, desiredRunes[oc.j1:oc.j2]})
		case tagReplace:
			deletions = append(deletions, deletion{oc.i1, oc.i2})
			insertions = append(insertions, insertion{oc.j1, desiredRunes[oc.j1:oc.j2]})
		}
	}

	// Deletions sorted by starting index descending, and each range
	// walked end-1, end-2, ..., start so earlier indices stay valid.
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].start > deletions[j].start })

	var ops []crdt.Operation
	for _, d := range deletions {
		for idx := d.end - 1; idx >= d.start; idx-- {
			op, err := engine.LocalDelete(idx)
			if err != nil {
				slog.Warn("edit translator: delete out of range, resyncing", "index", idx, "err", err)
				return Result{Ops: ops, NeedsResync: true, ResyncedValue: engine.Value()}
			}
			if op.IsMutation() {
				ops = append(ops, op)
			}
		}
	}

	// Insertions sorted by starting index ascending, each inserted
	// character-by-character in order.
	sort.Slice(insertions, func(i, j int) bool { return insertions[i].at < insertions[j].at })

	for _, ins := range insertions {
		for k, ch := range ins.text {
			op, err := engine.LocalInsert(ins.at+k, ch)
			if err != nil {
				slog.Warn("edit translator: insert out of range, resyncing", "index", ins.at+k, "err", err)
				return Result{Ops: ops, NeedsResync: true, ResyncedValue: engine.Value()}
			}
			if op.IsMutation() {
				ops = append(ops, op)
			}
		}
	}

	final := engine.Value()
	if final != desiredText {
		slog.Warn("edit translator: post-condition mismatch after applying ops, resyncing")
		return Result{Ops: ops, NeedsResync: true, ResyncedValue: final}
	}

	return Result{Ops: ops}
}
