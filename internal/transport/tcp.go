package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/zfogg/ascii-chat-sub011/internal/bufpool"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// maxFrameLen bounds a single ACIP frame to guard against a malicious or
// corrupt peer claiming an enormous payload length (spec.md §4.A).
const maxFrameLen = 1 << 22 // 4 MiB

// tcpTransport implements Transport over a raw net.Conn. Reads are
// performed by a single caller goroutine (no internal read lock, matching
// the teacher's single-reader convention); writes take writeMu so
// concurrent senders interleave whole frames, never partial ones.
type tcpTransport struct {
	conn net.Conn
	kind Kind

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func newTCPTransport(conn net.Conn, kind Kind) *tcpTransport {
	return &tcpTransport{conn: conn, kind: kind}
}

// AcceptTCP wraps an already-accepted plain TCP connection as a Transport.
func AcceptTCP(conn net.Conn) Transport {
	return newTCPTransport(conn, KindTCP)
}

func (t *tcpTransport) Send(ctx context.Context, ptype wire.PacketType, payload []byte) error {
	frame := wire.EncodeFrame(ptype, 0, payload)
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(frame)
	if err != nil {
		return wire.NewError(wire.ErrNetwork, "tcp write: %v", err)
	}
	return nil
}

func (t *tcpTransport) Recv(ctx context.Context) (wire.PacketType, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}

	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return 0, nil, wire.NewError(wire.ErrNetwork, "tcp read header: %v", err)
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	if h.PayloadLen > maxFrameLen {
		return 0, nil, wire.NewError(wire.ErrNetworkProtocol, "frame payload %d exceeds max %d", h.PayloadLen, maxFrameLen)
	}

	buf := bufpool.Get(int(h.PayloadLen))
	if _, err := io.ReadFull(t.conn, buf.Bytes); err != nil {
		bufpool.Put(buf)
		return 0, nil, wire.NewError(wire.ErrNetwork, "tcp read payload: %v", err)
	}
	if !wire.VerifyChecksum(h, buf.Bytes) {
		bufpool.Put(buf)
		return 0, nil, wire.NewError(wire.ErrNetworkProtocol, "checksum mismatch")
	}
	payload := append([]byte(nil), buf.Bytes...)
	bufpool.Put(buf)
	return h.Type, payload, nil
}

func (t *tcpTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *tcpTransport) PeerInfo() PeerInfo {
	return PeerInfo{RemoteAddr: t.conn.RemoteAddr().String(), Kind: t.kind}
}
