// Package transport provides the WebSocket upgrade handler and wire
// framing used to carry session.Message envelopes to and from
// browsers (spec.md §6 "Transport").
package transport

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Polqt/crdtcollab/session"
)

// ─────────────────────────────────────────────────────────────
// Minimal WebSocket implementation (RFC 6455, stdlib-only — no pack
// repo imports a websocket library, so the framing stays hand-rolled
// here exactly as the teacher's stub intended; see DESIGN.md)
// ─────────────────────────────────────────────────────────────

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// wsHandshake performs the HTTP→WebSocket upgrade.
// Returns the hijacked net.Conn and bufio.ReadWriter on success.
func wsHandshake(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return nil, nil, fmt.Errorf("not a websocket upgrade")
	}
	key := r.Header.Get("Sec-Websocket-Key")
	if key == "" {
		return nil, nil, fmt.Errorf("missing Sec-WebSocket-Key")
	}

	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	accept := base64.StdEncoding.EncodeToString(h.Sum(nil))

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack unsupported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := rw.WriteString(resp); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

// WSConn is a minimal WebSocket connection (text frames only; pings
// are answered with pongs, close is acknowledged and surfaced as
// io.EOF to the read loop).
type WSConn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	mu   sync.Mutex
}

// ReadMessage reads the next WebSocket text or binary frame payload,
// transparently answering pings and looping past them.
func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opText, opBinary:
			return payload, nil
		case opPing:
			if err := c.writeFrame(opPong, payload); err != nil {
				return nil, err
			}
		case opPong:
			// No outstanding pings tracked; nothing to reconcile.
		case opClose:
			c.writeFrame(opClose, payload)
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("unsupported websocket opcode %#x", opcode)
		}
	}
}

// readFrame reads one RFC 6455 frame header plus its (unmasked) payload.
func (c *WSConn) readFrame() (byte, []byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return 0, nil, err
	}
	opcode := header[0] & 0x0F
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(c.rw, ext); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(c.rw, ext); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(c.rw, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return opcode, payload, nil
}

// WriteMessage sends a text frame with the given payload.
func (c *WSConn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFrame(opText, payload)
}

// writeFrame builds and writes a single unmasked RFC 6455 frame.
// Server-to-client frames must never be masked.
func (c *WSConn) writeFrame(opcode byte, payload []byte) error {
	var header []byte
	length := len(payload)

	switch {
	case length <= 125:
		header = []byte{0x80 | opcode, byte(length)}
	case length <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = 0x80 | opcode
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}

	if _, err := c.rw.Write(header); err != nil {
		return err
	}
	if _, err := c.rw.Write(payload); err != nil {
		return err
	}
	return c.rw.Flush()
}

// Close sends a WebSocket close frame and closes the underlying conn.
func (c *WSConn) Close() error {
	c.mu.Lock()
	c.writeFrame(opClose, nil)
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the remote address string.
func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// ─────────────────────────────────────────────────────────────
// wsSender — adapts WSConn to session.Sender
// ─────────────────────────────────────────────────────────────

type wsSender struct {
	ws *WSConn
}

func (s *wsSender) Send(msg session.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.ws.WriteMessage(b)
}

func (s *wsSender) Close() error       { return s.ws.Close() }
func (s *wsSender) RemoteAddr() string { return s.ws.RemoteAddr() }

// ─────────────────────────────────────────────────────────────
// WSHandler
// ─────────────────────────────────────────────────────────────

// WSHandler handles WebSocket upgrade requests and feeds messages to the Hub.
type WSHandler struct {
	hub *session.Hub
}

// NewWSHandler creates a handler backed by the given Hub.
func NewWSHandler(hub *session.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// ServeHTTP upgrades the connection and starts the read loop. The
// document id is taken from the URL path /ws/<docID>, falling back to
// "default" for bare /ws requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, err := wsHandshake(w, r)
	if err != nil {
		http.Error(w, "WebSocket upgrade failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	ws := &WSConn{conn: conn, rw: rw}
	docID := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if docID == "" {
		docID = "default"
	}

	id := fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano())
	sess := session.NewSession(id, docID, &wsSender{ws: ws}, h.hub)
	h.hub.Join(sess)
	defer h.hub.Leave(sess)

	for {
		payload, err := ws.ReadMessage()
		if err != nil {
			if err != io.EOF {
				slog.Warn("ws read error", "session", sess.ID, "err", err)
			}
			return
		}
		var msg session.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("ws: malformed message json", "err", err)
			continue
		}
		msg.DocID = docID
		h.hub.Dispatch(sess, msg)
	}
}
