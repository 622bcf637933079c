package transport

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zfogg/ascii-chat-sub011/internal/bufpool"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// maxReassemblyFragments bounds how many WebSocket binary messages a single
// ACIP frame may be split across before Recv gives up — a misbehaving or
// malicious peer that never completes a frame must not be allowed to grow
// the reassembly buffer without bound.
const maxReassemblyFragments = 64

// reassemblyTimeout bounds how long an in-progress partial frame may sit
// waiting for its remaining fragments.
const reassemblyTimeout = 10 * time.Second

// Upgrader is shared by callers accepting inbound WebSocket connections,
// matching the teacher's ws.Handler pattern of one upgrader per listener.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsTransport frames ACIP packets over a gorilla/websocket connection.
// Each Send writes one binary message containing exactly one ACIP frame.
// Recv reassembles a logical frame that may have been split across
// multiple binary messages by an intermediary (compressing proxy, small
// MTU path) before the header's declared PayloadLen is satisfied.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	// pendingFree holds send buffers already written but not yet returned
	// to the pool: gorilla's permessage-deflate writer may keep a
	// reference into the bytes passed to WriteMessage for its sliding
	// compression window past the call's return, so a buffer must not be
	// freed the instant Send returns (spec.md §4.C). Entries are drained
	// at the start of the next Send (or at Close), by which point the
	// connection has serialized past that write and the deflate layer is
	// done with them.
	pendingMu   sync.Mutex
	pendingFree *list.List

	reassembly []byte
	fragments  int
}

// DialWebSocket connects to a ws:// or wss:// endpoint and returns a
// Transport.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, wire.NewError(wire.ErrNetwork, "websocket dial %s: %v", url, err)
	}
	return newWSTransport(conn), nil
}

// AcceptWebSocket upgrades an already-routed HTTP request to a WebSocket
// and returns a Transport. Mirrors ws.Handler.HandleWebSocket's shape.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, wire.NewError(wire.ErrNetwork, "websocket upgrade: %v", err)
	}
	return newWSTransport(conn), nil
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameLen + int64(wire.HeaderLen))
	return &wsTransport{conn: conn, pendingFree: list.New()}
}

func (t *wsTransport) Send(ctx context.Context, ptype wire.PacketType, payload []byte) error {
	buf := bufpool.Get(wire.HeaderLen + len(payload))
	buf.Bytes = wire.EncodeFrameInto(buf.Bytes, ptype, 0, payload)

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.drainPendingFree()
	err := t.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes)
	t.pendingMu.Lock()
	t.pendingFree.PushBack(buf)
	t.pendingMu.Unlock()

	if err != nil {
		return wire.NewError(wire.ErrNetwork, "websocket write: %v", err)
	}
	return nil
}

// drainPendingFree returns every buffer queued by an earlier Send to the
// pool. Called under writeMu so it never races a concurrent Send's append
// to the same list.
func (t *wsTransport) drainPendingFree() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for e := t.pendingFree.Front(); e != nil; e = t.pendingFree.Front() {
		t.pendingFree.Remove(e)
		bufpool.Put(e.Value.(*bufpool.Buffer))
	}
}

func (t *wsTransport) Recv(ctx context.Context) (wire.PacketType, []byte, error) {
	deadline := time.Now().Add(reassemblyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	for {
		if frame, ok := t.tryCompleteFrame(); ok {
			t.fragments = 0
			return wire.DecodeFrame(frame)
		}

		_ = t.conn.SetReadDeadline(deadline)
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			return 0, nil, wire.NewError(wire.ErrNetwork, "websocket read: %v", err)
		}

		t.fragments++
		if t.fragments > maxReassemblyFragments {
			t.reassembly = nil
			t.fragments = 0
			return 0, nil, wire.NewError(wire.ErrNetworkProtocol, "frame reassembly exceeded %d fragments", maxReassemblyFragments)
		}
		t.reassembly = append(t.reassembly, msg...)
	}
}

// tryCompleteFrame returns (frame, true) and trims the reassembly buffer
// when enough bytes have accumulated to decode the header's declared
// length; otherwise (nil, false).
func (t *wsTransport) tryCompleteFrame() ([]byte, bool) {
	if len(t.reassembly) < wire.HeaderLen {
		return nil, false
	}
	h, err := wire.DecodeHeader(t.reassembly)
	if err != nil {
		// Bad magic on the accumulated buffer is unrecoverable: hand the
		// header to the caller, whose DecodeFrame surfaces the protocol
		// error, and drop the buffer so later Recv calls do not keep
		// decoding the same garbage.
		frame := t.reassembly[:wire.HeaderLen]
		t.reassembly = nil
		return frame, true
	}
	total := wire.HeaderLen + int(h.PayloadLen)
	if len(t.reassembly) < total {
		return nil, false
	}
	frame := t.reassembly[:total]
	t.reassembly = append([]byte(nil), t.reassembly[total:]...)
	return frame, true
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.writeMu.Lock()
	t.drainPendingFree()
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) PeerInfo() PeerInfo {
	return PeerInfo{RemoteAddr: t.conn.RemoteAddr().String(), Kind: KindWebSocket}
}
