// Package transport implements the heterogeneous transport plane of
// spec.md §4.C/E: a common Transport interface backed by plain TCP,
// encrypted TCP (internal/handshake), and WebSocket (gorilla/websocket),
// each framing wire.PacketType messages identically regardless of the
// underlying socket kind. Grounded on the teacher's client.go connection
// handling (atomic counters, mutex-guarded writers) and ws/handler.go's
// gorilla/websocket wiring.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// PeerInfo describes the remote end of a Transport, used for logging,
// rate-limit keys, and NAT-tier classification.
type PeerInfo struct {
	RemoteAddr string
	Kind       Kind
}

// Kind identifies which concrete transport is in use.
type Kind int

const (
	KindTCP Kind = iota
	KindTCPEncrypted
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindTCPEncrypted:
		return "tcp+encrypted"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Transport abstracts a single bidirectional ACIP connection regardless of
// the underlying socket type. Implementations must be safe for one
// concurrent reader and one concurrent writer (matching the teacher's
// single-reader-goroutine / mutex-guarded-writer split).
type Transport interface {
	// Send frames and writes one packet. Safe for concurrent callers; an
	// internal mutex serializes writes.
	Send(ctx context.Context, ptype wire.PacketType, payload []byte) error

	// Recv blocks for the next packet. Must be called from a single
	// goroutine per Transport instance.
	Recv(ctx context.Context) (wire.PacketType, []byte, error)

	// Close releases the underlying socket. Safe to call more than once.
	Close() error

	// PeerInfo returns static information about the remote endpoint.
	PeerInfo() PeerInfo
}

// dialTimeout bounds the TCP-level connect step before the handshake runs.
const dialTimeout = 5 * time.Second

// DialTCP opens a plain (unencrypted, discovery-only-mode) TCP transport.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wire.NewError(wire.ErrNetwork, "dial %s: %v", addr, err)
	}
	return newTCPTransport(conn, KindTCP), nil
}
