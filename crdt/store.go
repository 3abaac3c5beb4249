package crdt

import "log/slog"

// store is the content-addressed map from ElementID to Element (§4.1).
// It is not safe for concurrent use on its own — the engine serialises
// all access behind its own lock (§5).
type store struct {
	byID map[ElementID]*Element
}

func newStore() *store {
	s := &store{byID: make(map[ElementID]*Element)}
	s.byID[Head] = newHeadElement()
	return s
}

// put inserts the element unconditionally. Callers (the RGA integration
// rule, §4.2.4) decide what to do about an id that already exists; the
// store itself has no duplicate-id policy.
func (s *store) put(e *Element) {
	s.byID[e.ID] = e
}

func (s *store) get(id ElementID) (*Element, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// markTombstone flips is_tombstone to true. It is idempotent, logs and
// no-ops on an unknown id, and refuses to tombstone HEAD.
func (s *store) markTombstone(id ElementID) {
	if id == Head {
		slog.Warn("refusing to tombstone HEAD sentinel")
		return
	}
	e, ok := s.byID[id]
	if !ok {
		slog.Warn("mark_tombstone on unknown element", "id", id.String())
		return
	}
	e.IsTombstone = true
}

// iterate yields all elements, including HEAD and tombstones, in
// unspecified order.
func (s *store) iterate() []*Element {
	out := make([]*Element, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// replaceAll atomically swaps the backing map. It rejects a map that
// lacks HEAD.
func (s *store) replaceAll(next map[ElementID]*Element) error {
	if _, ok := next[Head]; !ok {
		return ErrIntegrity
	}
	s.byID = next
	return nil
}

func (s *store) len() int {
	return len(s.byID)
}
