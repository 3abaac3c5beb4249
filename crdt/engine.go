package crdt

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// clockQuantum is the minimum gap enforced between successive local
// clock values. Clocks are integer nanoseconds with a wall-time floor
// (see nextID), so this is one nanosecond.
const clockQuantum = 1

// Engine is the RGA CRDT for a single document: it owns the Element
// Store and generates or integrates operations against it. All mutating
// methods serialise behind mu, per the single-critical-section model
// in §5; Value/VisibleSequence may be called concurrently with each
// other but not while a mutation holds the write lock.
type Engine struct {
	mu        sync.RWMutex
	siteID    string
	store     *store
	lastClock int64
}

// NewEngine creates an empty engine for the given site. An empty siteID
// is replaced with a fresh UUID by callers that care about global
// uniqueness (see session.Hub.GetOrCreate); the engine itself only
// requires siteID to be stable for the life of the process.
func NewEngine(siteID string) *Engine {
	return &Engine{siteID: siteID, store: newStore()}
}

// SiteID returns the engine's site identifier.
func (e *Engine) SiteID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.siteID
}

// VisibleSequence returns the ordered, tombstone-filtered projection of
// the Element Store that defines the document's current value (§4.2.1).
func (e *Engine) VisibleSequence() []*Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.visibleSequenceLocked()
}

// Value concatenates the visible sequence's characters.
func (e *Engine) Value() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.valueLocked()
}

func (e *Engine) valueLocked() string {
	visible := e.visibleSequenceLocked()
	runes := make([]rune, 0, len(visible))
	for _, el := range visible {
		runes = append(runes, el.Value)
	}
	return string(runes)
}

// visibleSequenceLocked performs the canonical RGA traversal (§4.2.1):
// build predecessor → children adjacency, sort each sibling list by
// ElementID descending (a greater id wins an earlier visible position),
// and walk an iterative pre-order DFS from HEAD with an explicit stack
// to avoid deep recursion on long documents. Elements whose predecessor
// is absent from the store are orphans: unreachable, so excluded from
// the result, but still resident in the store in case their
// predecessor arrives later.
func (e *Engine) visibleSequenceLocked() []*Element {
	children := make(map[ElementID][]*Element)
	for _, el := range e.store.iterate() {
		if el.IsHead() {
			continue
		}
		if !el.HasPredecessor {
			continue
		}
		children[el.PredecessorID] = append(children[el.PredecessorID], el)
	}
	for pred := range children {
		sibs := children[pred]
		sort.Slice(sibs, func(i, j int) bool {
			return sibs[i].ID.Greater(sibs[j].ID)
		})
		children[pred] = sibs
	}

	visible := make([]*Element, 0, e.store.len())
	visited := make(map[ElementID]bool, e.store.len())
	stack := []ElementID{Head}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			slog.Warn("rga traversal revisited element, skipping", "id", id.String())
			continue
		}
		visited[id] = true

		el, ok := e.store.get(id)
		if !ok {
			slog.Warn("rga traversal: referenced element missing from store", "id", id.String())
			continue
		}
		if !el.IsHead() && !el.IsTombstone {
			visible = append(visible, el)
		}

		sibs := children[id]
		for i := len(sibs) - 1; i >= 0; i-- {
			if !visited[sibs[i].ID] {
				stack = append(stack, sibs[i].ID)
			}
		}
	}

	return visible
}

// LocalInsert creates a new element holding ch immediately before the
// current visible position index, assigns it a fresh id, stores it,
// and returns the insert operation to publish (§4.2.2).
func (e *Engine) LocalInsert(index int, ch rune) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 {
		return Operation{}, ErrInvalidArgument(fmt.Sprintf("negative insert index %d", index))
	}

	visible := e.visibleSequenceLocked()
	if index > len(visible) {
		return Operation{}, ErrInvalidArgument(fmt.Sprintf("insert index %d out of bounds for length %d", index, len(visible)))
	}

	predecessorID := Head
	if index > 0 {
		predecessorID = visible[index-1].ID
	}

	id, err := e.nextID()
	if err != nil {
		return Operation{}, err
	}

	el := &Element{
		ID:             id,
		Value:          ch,
		HasValue:       true,
		PredecessorID:  predecessorID,
		HasPredecessor: true,
	}
	e.store.put(el)
	return insertOp(el), nil
}

// nextID allocates a strictly increasing ElementID for the local site,
// retrying once on the extraordinarily rare collision with an existing
// id before giving up with ErrClockStuck (§4.2.2).
func (e *Engine) nextID() (ElementID, error) {
	now := time.Now().UnixNano()
	candidate := e.lastClock + clockQuantum
	if now > candidate {
		candidate = now
	}

	for attempt := 0; attempt < 2; attempt++ {
		id := ElementID{Clock: candidate, Site: e.siteID}
		if _, exists := e.store.get(id); !exists {
			e.lastClock = candidate
			return id, nil
		}
		slog.Warn("element id collision, retrying", "id", id.String())
		candidate++
	}
	return ElementID{}, ErrClockStuck
}

// LocalDelete tombstones the element currently visible at index. An
// out-of-range index or an already-tombstoned target produces a noop
// rather than an error (§4.2.3, §9 — the noop variant is the one this
// spec adopts).
func (e *Engine) LocalDelete(index int) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	visible := e.visibleSequenceLocked()
	if index < 0 || index >= len(visible) {
		return noopOp("delete index out of bounds"), nil
	}

	target := visible[index]
	if target.IsHead() {
		return Operation{}, ErrInvalidTarget
	}
	if target.IsTombstone {
		return noopOp("element already deleted"), nil
	}

	e.store.markTombstone(target.ID)
	return deleteOp(target.ID), nil
}

// ApplyRemote integrates a remote operation idempotently and
// commutatively (§4.2.4). Integration failures from remote input are
// always logged and dropped, never raised: one bad peer must not crash
// the server (§7).
func (e *Engine) ApplyRemote(op Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch op.Type {
	case OpInsert:
		e.applyRemoteInsertLocked(op)
	case OpDelete:
		e.applyRemoteDeleteLocked(op)
	case OpNoop:
	default:
		slog.Warn("dropping operation of unknown type", "type", op.Type)
	}
}

func (e *Engine) applyRemoteInsertLocked(op Operation) {
	if op.Element == nil {
		slog.Warn("dropping insert operation with missing element")
		return
	}
	incoming, err := op.Element.FromDTO()
	if err != nil {
		slog.Warn("dropping malformed remote insert", "err", err)
		return
	}

	if existing, ok := e.store.get(incoming.ID); ok {
		// Delete-wins: never resurrect a tombstone (§9 — the
		// re-activation behaviour in the source is considered a bug).
		if !existing.IsTombstone && incoming.IsTombstone {
			existing.IsTombstone = true
		}
		return
	}

	if !incoming.IsHead() && !incoming.HasPredecessor {
		slog.Warn("dropping malformed remote insert: non-HEAD element with no predecessor",
			"id", incoming.ID.String())
		return
	}

	if incoming.HasPredecessor {
		if _, ok := e.store.get(incoming.PredecessorID); !ok {
			slog.Warn("dropping remote insert with unknown predecessor",
				"id", incoming.ID.String(), "predecessor", incoming.PredecessorID.String())
			return
		}
	}

	e.store.put(incoming)
	if incoming.ID.Site == e.siteID && incoming.ID.Clock > e.lastClock {
		e.lastClock = incoming.ID.Clock
	}
}

func (e *Engine) applyRemoteDeleteLocked(op Operation) {
	if op.ElementID == nil {
		slog.Warn("dropping delete operation with missing element_id")
		return
	}
	id := *op.ElementID
	if id == Head {
		return
	}
	if _, ok := e.store.get(id); !ok {
		slog.Warn("dropping delete for unknown element, no buffering", "id", id.String())
		return
	}
	e.store.markTombstone(id)
}

// Serialize exports the full engine state (§4.2.5).
func (e *Engine) Serialize() SerializedState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := SerializedState{SiteID: e.siteID, ElementsByID: make(map[string]ElementDTO, e.store.len())}
	for _, el := range e.store.iterate() {
		out.ElementsByID[el.ID.key()] = el.ToDTO()
	}
	return out
}

// Deserialize rebuilds an engine from a serialized state, reinserting
// HEAD (with a warning) if it is missing, and setting the local clock
// to the maximum clock observed among element ids.
func Deserialize(state SerializedState) *Engine {
	next := make(map[ElementID]*Element, len(state.ElementsByID))
	var maxClock int64

	for keyStr, dto := range state.ElementsByID {
		id, err := keyToID(keyStr)
		if err != nil {
			slog.Warn("dropping element with malformed id key during deserialize", "key", keyStr, "err", err)
			continue
		}
		dto.ID = id
		el, err := dto.FromDTO()
		if err != nil {
			slog.Warn("dropping malformed element during deserialize", "key", keyStr, "err", err)
			continue
		}
		next[id] = el
		if id.Clock > maxClock {
			maxClock = id.Clock
		}
	}

	if _, ok := next[Head]; !ok {
		slog.Warn("serialized state missing HEAD sentinel, inserting default")
		next[Head] = newHeadElement()
	}

	siteID := state.SiteID
	e := &Engine{siteID: siteID, store: &store{byID: next}, lastClock: maxClock}
	return e
}

// LoadState replaces e's entire state in place from a serialized
// snapshot (used by the Replication Coordinator's revert, §4.4). It
// refuses input lacking HEAD (§4.1 invariants, §7 IntegrityError).
func (e *Engine) LoadState(state SerializedState) error {
	hasHead := false
	for keyStr := range state.ElementsByID {
		if id, err := keyToID(keyStr); err == nil && id == Head {
			hasHead = true
			break
		}
	}
	if !hasHead {
		return ErrIntegrity
	}

	loaded := Deserialize(state)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.replaceAll(loaded.store.byID); err != nil {
		return err
	}
	e.siteID = loaded.siteID
	e.lastClock = loaded.lastClock
	return nil
}
