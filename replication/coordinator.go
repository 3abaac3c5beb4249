package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/translate"
)

// EventType enumerates the events the coordinator produces to clients (§6).
type EventType string

const (
	EventInitialState    EventType = "initial_state"
	EventOperation       EventType = "operation"
	EventFullStateUpdate EventType = "full_state_update"
	EventSnapshotsUpdate EventType = "snapshots_updated"
	EventError           EventType = "error"
)

// Event is an outbound message to a single realtime listener (§6).
type Event struct {
	Type      EventType
	Value     string         // initial_state, full_state_update
	Op        crdt.Operation // operation
	Snapshots []string       // snapshots_updated
	Message   string         // error
}

// Listener is a single attached realtime client session. Implemented by
// the transport-facing session package; the coordinator never knows
// about WebSockets or any other concrete transport.
type Listener interface {
	ListenerID() string
	Push(Event) error
}

// Coordinator is the Replication Coordinator for one document (§4.4):
// it forwards local operations to the document's logical channel,
// filters and integrates inbound operations from other sites, and
// fans surviving operations to attached realtime listeners. It also
// owns snapshot capture/restore.
type Coordinator struct {
	docChannel string
	engine     *crdt.Engine
	broker     Broker

	mu        sync.RWMutex
	listeners map[string]Listener

	snapMu        sync.RWMutex
	snapshots     map[string]crdt.SerializedState
	snapshotOrder []string // oldest first
	maxSnapshots  int
}

// New creates a coordinator for docChannel backed by engine and broker.
// maxSnapshots <= 0 means unbounded (never evicts), matching spec.md's
// "in-memory until evicted" phrasing as an opt-in bound.
func New(docChannel string, engine *crdt.Engine, broker Broker, maxSnapshots int) *Coordinator {
	return &Coordinator{
		docChannel:   docChannel,
		engine:       engine,
		broker:       broker,
		listeners:    make(map[string]Listener),
		snapshots:    make(map[string]crdt.SerializedState),
		maxSnapshots: maxSnapshots,
	}
}

// Start subscribes to the document's logical channel so remote
// operations from other sites can be integrated (§4.4, §6).
func (c *Coordinator) Start() error {
	return c.broker.Subscribe(c.docChannel, c.onInboundFromChannel)
}

// Close releases the underlying broker resources.
func (c *Coordinator) Close() error {
	return c.broker.Close()
}

// AttachListener registers a session with this document's broadcast
// group (§4.4).
func (c *Coordinator) AttachListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[l.ListenerID()] = l
}

// DetachListener removes a session from the broadcast group.
func (c *Coordinator) DetachListener(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// ListenerCount reports how many sessions are currently attached —
// used by the Hub's idle-document eviction sweep.
func (c *Coordinator) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// OnClientConnect pushes the current document value to a newly joined
// session as an initial_state event (§4.4).
func (c *Coordinator) OnClientConnect(l Listener) {
	if err := l.Push(Event{Type: EventInitialState, Value: c.engine.Value()}); err != nil {
		slog.Warn("replication: failed to push initial state", "listener", l.ListenerID(), "err", err)
	}
}

// PublishOutward sends op to other server replicas on the document
// channel. Transport unavailability is logged and swallowed: the local
// path still functions (§4.4 failure semantics, §7 TransportUnavailable).
func (c *Coordinator) PublishOutward(op crdt.Operation) {
	if !op.IsMutation() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.broker.Publish(ctx, c.docChannel, op)
}

// BroadcastToListeners pushes event to every attached session except
// excludeID (the session whose edit produced it, when applicable).
// Undeliverable sessions are dropped silently but logged (§5).
func (c *Coordinator) BroadcastToListeners(event Event, excludeID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, l := range c.listeners {
		if id == excludeID {
			continue
		}
		if err := l.Push(event); err != nil {
			slog.Warn("replication: broadcast failed, dropping", "listener", id, "err", err)
		}
	}
}

// onInboundFromChannel is invoked by the broker for every message
// delivered on the document channel (§4.4). It drops operations
// originated by this site (self-origination filter, §5), applies
// surviving operations to the engine, and broadcasts them onward.
func (c *Coordinator) onInboundFromChannel(op crdt.Operation) {
	origin, ok := op.OriginSite()
	if ok && origin == c.engine.SiteID() {
		return
	}

	c.engine.ApplyRemote(op)
	c.BroadcastToListeners(Event{Type: EventOperation, Op: op}, "")
}

// ApplyClientText runs the Edit Translator against desiredText,
// publishing and broadcasting each resulting op (excluding the
// originating session), and resynchronises with a full_state_update if
// the translator detected divergence (§4.3, §6).
func (c *Coordinator) ApplyClientText(desiredText, originSessionID string) {
	result := translate.ApplyDesiredText(c.engine, desiredText)

	for _, op := range result.Ops {
		c.PublishOutward(op)
		c.BroadcastToListeners(Event{Type: EventOperation, Op: op}, originSessionID)
	}

	if result.NeedsResync {
		c.BroadcastToListeners(Event{Type: EventFullStateUpdate, Value: result.ResyncedValue}, "")
	}
}

// CreateSnapshot captures the engine's current state under a sortable
// timestamp key and notifies listeners of the updated snapshot index
// (§4.4).
func (c *Coordinator) CreateSnapshot(now time.Time) string {
	id := now.UTC().Format("2006-01-02T15-04-05.000000000")

	c.snapMu.Lock()
	c.snapshots[id] = c.engine.Serialize()
	c.snapshotOrder = append(c.snapshotOrder, id)
	c.evictOldSnapshotsLocked()
	list := c.listSnapshotsLocked()
	c.snapMu.Unlock()

	c.BroadcastToListeners(Event{Type: EventSnapshotsUpdate, Snapshots: list}, "")
	return id
}

// evictOldSnapshotsLocked drops the oldest snapshots once the bound is
// exceeded — spec.md's "in-memory until evicted" made concrete; see
// SPEC_FULL.md / DESIGN.md.
func (c *Coordinator) evictOldSnapshotsLocked() {
	if c.maxSnapshots <= 0 {
		return
	}
	for len(c.snapshotOrder) > c.maxSnapshots {
		oldest := c.snapshotOrder[0]
		c.snapshotOrder = c.snapshotOrder[1:]
		delete(c.snapshots, oldest)
	}
}

// Revert loads a named snapshot into the engine and broadcasts the new
// value as a full_state_update (§4.4).
func (c *Coordinator) Revert(snapshotID string) error {
	c.snapMu.RLock()
	state, ok := c.snapshots[snapshotID]
	c.snapMu.RUnlock()
	if !ok {
		return fmt.Errorf("replication: unknown snapshot %q", snapshotID)
	}

	if err := c.engine.LoadState(state); err != nil {
		return err
	}

	c.BroadcastToListeners(Event{Type: EventFullStateUpdate, Value: c.engine.Value()}, "")
	return nil
}

// ListSnapshots returns snapshot timestamp ids, newest first.
func (c *Coordinator) ListSnapshots() []string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.listSnapshotsLocked()
}

func (c *Coordinator) listSnapshotsLocked() []string {
	out := make([]string, len(c.snapshotOrder))
	copy(out, c.snapshotOrder)
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

// SendError addresses an error event to a single session (§6, §7).
func (c *Coordinator) SendError(l Listener, message string) {
	if err := l.Push(Event{Type: EventError, Message: message}); err != nil {
		slog.Warn("replication: failed to push error event", "listener", l.ListenerID(), "err", err)
	}
}
