// Package crdt implements the Replicated Growable Array (RGA) sequence
// CRDT that backs a single collaborative document: the Element Store,
// the RGA engine built on top of it, and the wire types they exchange.
package crdt

import (
	"encoding/json"
	"fmt"
)

// ElementID identifies an element globally and totally orders them:
// primarily by Clock ascending, tie-broken by Site lexicographically
// ascending. Clock is a strictly increasing integer local to Site: each
// new local id takes the larger of the previous clock plus one and the
// current wall time in Unix nanoseconds (see Engine.nextID).
type ElementID struct {
	Clock int64
	Site  string
}

// Head is the fixed sentinel element id. It is never tombstoned and
// never reassigned.
var Head = ElementID{Clock: -1, Site: "START"}

// Less reports whether id sorts strictly before other in the total order.
func (id ElementID) Less(other ElementID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Site < other.Site
}

// Greater reports whether id sorts strictly after other in the total order.
func (id ElementID) Greater(other ElementID) bool {
	return other.Less(id)
}

func (id ElementID) String() string {
	return fmt.Sprintf("(%d,%s)", id.Clock, id.Site)
}

// MarshalJSON encodes the id as the two-element array the wire format
// requires: [clock, site_id].
func (id ElementID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{id.Clock, id.Site})
}

// UnmarshalJSON decodes either a [clock, site] array or, defensively,
// an equivalent two-field object — §9 requires both to parse uniformly.
func (id *ElementID) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err == nil {
		var clock int64
		var site string
		if err := json.Unmarshal(pair[0], &clock); err != nil {
			return fmt.Errorf("crdt: malformed element id clock: %w", err)
		}
		if err := json.Unmarshal(pair[1], &site); err != nil {
			return fmt.Errorf("crdt: malformed element id site: %w", err)
		}
		id.Clock = clock
		id.Site = site
		return nil
	}

	var obj struct {
		Clock int64  `json:"clock"`
		Site  string `json:"site_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("crdt: malformed element id: %w", err)
	}
	id.Clock = obj.Clock
	id.Site = obj.Site
	return nil
}

// key returns a stable string encoding suitable for use as a map key in
// the serialized state format (§4.2.5, §6): the JSON encoding of the
// [clock, site] pair.
func (id ElementID) key() string {
	b, _ := json.Marshal(id)
	return string(b)
}

func keyToID(key string) (ElementID, error) {
	var id ElementID
	if err := json.Unmarshal([]byte(key), &id); err != nil {
		return ElementID{}, fmt.Errorf("crdt: malformed element id key %q: %w", key, err)
	}
	return id, nil
}
