// Package session manages connected realtime clients, routes their
// messages to the right document, and adapts the Replication
// Coordinator's events onto the wire (spec §6).
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/replication"
)

// ─────────────────────────────────────────────────────────────
// Message types
// ─────────────────────────────────────────────────────────────

// Client → server event types (§6).
const (
	MsgTextChange     = "text_change"
	MsgCreateSnapshot = "create_snapshot"
	MsgRevertSnapshot = "revert_to_snapshot"
)

// Server → client event types (§6).
const (
	MsgInitialState    = "initial_state"
	MsgOperation       = "operation"
	MsgFullStateUpdate = "full_state_update"
	MsgSnapshotsUpdate = "snapshots_updated"
	MsgError           = "error"
)

// Message is the wire envelope for every event in either direction.
// Payload's shape depends on Type; see the *Payload types below.
type Message struct {
	DocID   string          `json:"doc_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TextChangePayload carries a client's whole-document push (§6).
type TextChangePayload struct {
	Value  string `json:"value"`
	Cursor *int   `json:"cursor,omitempty"`
}

// RevertPayload names the snapshot a client wants to restore.
type RevertPayload struct {
	ID string `json:"id"`
}

// ValuePayload carries a full document value (initial_state,
// full_state_update).
type ValuePayload struct {
	Value string `json:"value"`
}

// SnapshotsPayload carries the current snapshot index, newest first.
type SnapshotsPayload struct {
	Snapshots []string `json:"snapshots"`
}

// ErrorPayload carries a single-session error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ─────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────

// Sender is implemented by the transport layer so Session can push
// messages without depending on any concrete transport.
type Sender interface {
	Send(msg Message) error
	Close() error
	RemoteAddr() string
}

// Session represents one connected client editing a document. It
// implements replication.Listener so the Coordinator can push events
// to it without depending on the transport package.
type Session struct {
	ID     string
	DocID  string
	sender Sender
	hub    *Hub
}

// NewSession creates a session with the given transport sender.
func NewSession(id, docID string, sender Sender, hub *Hub) *Session {
	return &Session{ID: id, DocID: docID, sender: sender, hub: hub}
}

// ListenerID satisfies replication.Listener.
func (s *Session) ListenerID() string { return s.ID }

// Push satisfies replication.Listener: it adapts a Coordinator event
// onto the wire Message envelope.
func (s *Session) Push(event replication.Event) error {
	msg, err := toMessage(s.DocID, event)
	if err != nil {
		return err
	}
	return s.sender.Send(msg)
}

func toMessage(docID string, event replication.Event) (Message, error) {
	var (
		payload any
		msgType string
	)
	switch event.Type {
	case replication.EventInitialState:
		msgType, payload = MsgInitialState, ValuePayload{Value: event.Value}
	case replication.EventOperation:
		msgType, payload = MsgOperation, event.Op
	case replication.EventFullStateUpdate:
		msgType, payload = MsgFullStateUpdate, ValuePayload{Value: event.Value}
	case replication.EventSnapshotsUpdate:
		msgType, payload = MsgSnapshotsUpdate, SnapshotsPayload{Snapshots: event.Snapshots}
	case replication.EventError:
		msgType, payload = MsgError, ErrorPayload{Message: event.Message}
	default:
		msgType, payload = string(event.Type), struct{}{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{DocID: docID, Type: msgType, Payload: raw}, nil
}

// ─────────────────────────────────────────────────────────────
// Document — per-document CRDT state + coordinator + sessions
// ─────────────────────────────────────────────────────────────

// Document binds one RGA engine to its Replication Coordinator and
// tracks the last time it saw any activity, for the Hub's idle sweep.
type Document struct {
	ID          string
	Engine      *crdt.Engine
	Coordinator *replication.Coordinator

	mu           sync.Mutex
	lastActivity time.Time
}

func newDocument(id, siteID string, broker replication.Broker, maxSnapshots int) *Document {
	engine := crdt.NewEngine(siteID)
	coord := replication.New(id, engine, broker, maxSnapshots)
	if err := coord.Start(); err != nil {
		slog.Warn("document: failed to start replication coordinator", "doc", id, "err", err)
	}
	return &Document{ID: id, Engine: engine, Coordinator: coord, lastActivity: time.Now()}
}

func (d *Document) touch() {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

func (d *Document) idleSince() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// ─────────────────────────────────────────────────────────────
// Hub — registry of all documents and sessions
// ─────────────────────────────────────────────────────────────

// BrokerFactory creates the replication transport for a new document
// channel. Tests and single-process deployments may return the same
// in-memory broker for every channel; production wires a
// *replication.RedisConnPool.Broker.
type BrokerFactory func(docID string) replication.Broker

// Hub is the central registry of all active documents and sessions.
type Hub struct {
	mu           sync.RWMutex
	docs         map[string]*Document
	newBroker    BrokerFactory
	siteID       string
	maxSnapshots int
	idleTTL      time.Duration
	stop         chan struct{}
}

// NewHub creates a Hub. siteID identifies this replica for every
// document's engine; an empty siteID gets a fresh one per document.
func NewHub(siteID string, maxSnapshots int, idleTTL time.Duration, newBroker BrokerFactory) *Hub {
	return &Hub{
		docs:         make(map[string]*Document),
		newBroker:    newBroker,
		siteID:       siteID,
		maxSnapshots: maxSnapshots,
		idleTTL:      idleTTL,
		stop:         make(chan struct{}),
	}
}

// Run periodically evicts documents with zero active sessions that
// have been idle past idleTTL, to reclaim memory (SPEC_FULL.md). It
// exits cleanly when Stop is called; nothing blocks the sweep
// interval itself, so in-flight edits are unaffected.
func (h *Hub) Run() {
	if h.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(h.idleTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.evictIdleDocuments()
		}
	}
}

// Stop signals Run to exit and closes every live document's
// coordinator, which stops its broker's subscriber.
func (h *Hub) Stop() {
	close(h.stop)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, doc := range h.docs {
		if err := doc.Coordinator.Close(); err != nil {
			slog.Warn("hub: error closing document's coordinator", "doc", id, "err", err)
		}
	}
}

func (h *Hub) evictIdleDocuments() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, doc := range h.docs {
		if doc.Coordinator.ListenerCount() > 0 {
			continue
		}
		if time.Since(doc.idleSince()) < h.idleTTL {
			continue
		}
		if err := doc.Coordinator.Close(); err != nil {
			slog.Warn("hub: error closing idle document's coordinator", "doc", id, "err", err)
		}
		delete(h.docs, id)
		slog.Info("hub: evicted idle document", "doc", id)
	}
}

// GetOrCreate returns the document with the given id, creating it
// (with a fresh engine and coordinator) if needed.
func (h *Hub) GetOrCreate(docID string) *Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.docs[docID]; ok {
		return d
	}
	siteID := h.siteID
	if siteID == "" {
		siteID = uuid.NewString()
	}
	d := newDocument(docID, siteID, h.newBroker(docID), h.maxSnapshots)
	h.docs[docID] = d
	return d
}

// Join registers a session with its document and pushes the current
// value as an initial_state event (§4.4).
func (h *Hub) Join(sess *Session) {
	doc := h.GetOrCreate(sess.DocID)
	doc.touch()
	doc.Coordinator.AttachListener(sess)
	doc.Coordinator.OnClientConnect(sess)
	slog.Info("session joined", "session", sess.ID, "doc", sess.DocID)
}

// Leave removes a session from its document.
func (h *Hub) Leave(sess *Session) {
	doc := h.GetOrCreate(sess.DocID)
	doc.Coordinator.DetachListener(sess.ID)
	doc.touch()
	slog.Info("session left", "session", sess.ID, "doc", sess.DocID)
}

// Dispatch handles an incoming message from a session (§6).
func (h *Hub) Dispatch(sess *Session, msg Message) {
	doc := h.GetOrCreate(msg.DocID)
	doc.touch()

	switch msg.Type {
	case MsgTextChange:
		var p TextChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("session: malformed text_change payload", "err", err)
			return
		}
		doc.Coordinator.ApplyClientText(p.Value, sess.ID)

	case MsgCreateSnapshot:
		doc.Coordinator.CreateSnapshot(time.Now())

	case MsgRevertSnapshot:
		var p RevertPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("session: malformed revert_to_snapshot payload", "err", err)
			return
		}
		if p.ID == "" {
			doc.Coordinator.SendError(sess, "snapshot id missing")
			return
		}
		if err := doc.Coordinator.Revert(p.ID); err != nil {
			doc.Coordinator.SendError(sess, err.Error())
		}

	default:
		slog.Warn("session: unknown message type", "type", msg.Type)
	}
}

// Snapshots returns the given document's snapshot index, newest first.
func (h *Hub) Snapshots(docID string) []string {
	return h.GetOrCreate(docID).Coordinator.ListSnapshots()
}

// Value returns the given document's current text.
func (h *Hub) Value(docID string) string {
	return h.GetOrCreate(docID).Engine.Value()
}
