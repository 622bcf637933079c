package transport

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"sync"

	"github.com/zfogg/ascii-chat-sub011/internal/bufpool"
	"github.com/zfogg/ascii-chat-sub011/internal/handshake"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// encryptedTCPTransport wraps a raw TCP connection with a completed
// handshake.Stream, sealing every payload before it is framed and opening
// every payload after the frame is decoded. The wire framing itself
// (header, CRC32) is unchanged; FlagEncrypted marks the payload as
// ciphertext for observability/debugging, not for correctness — the peer
// already knows to decrypt because this transport kind was negotiated out
// of band at connect time.
type encryptedTCPTransport struct {
	conn   net.Conn
	stream *handshake.Stream

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// DialEncryptedTCP connects, runs the client side of the three-step
// handshake, and returns a Transport whose Send/Recv transparently seal
// and open payloads.
func DialEncryptedTCP(ctx context.Context, addr string, identityPriv ed25519.PrivateKey) (Transport, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wire.NewError(wire.ErrNetwork, "dial %s: %v", addr, err)
	}
	return connectEncryptedTCP(conn, identityPriv)
}

// connectEncryptedTCP runs the client side of the handshake over an
// already-open conn, split out from DialEncryptedTCP so tests can exercise
// it over an in-memory net.Pipe.
func connectEncryptedTCP(conn net.Conn, identityPriv ed25519.PrivateKey) (Transport, error) {
	client, err := handshake.NewClientHandshake(identityPriv)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := sendRaw(conn, wire.PacketHandshakeStart, client.Start()); err != nil {
		conn.Close()
		return nil, err
	}
	_, challengePayload, err := recvRaw(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	serverEphemeral, nonce, serverSig, serverIdentityPub, err := decodeChallenge(challengePayload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	clientSig, err := client.RespondToChallenge(serverEphemeral, nonce, serverSig, serverIdentityPub)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := sendRaw(conn, wire.PacketHandshakeComplete, encodeComplete(identityPriv.Public().(ed25519.PublicKey), clientSig)); err != nil {
		conn.Close()
		return nil, err
	}
	keys, err := client.Complete()
	if err != nil {
		conn.Close()
		return nil, err
	}
	stream, err := handshake.NewClientStream(keys)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &encryptedTCPTransport{conn: conn, stream: stream}, nil
}

// AcceptEncryptedTCP runs the server side of the handshake over an
// already-accepted connection.
func AcceptEncryptedTCP(conn net.Conn, identityPriv ed25519.PrivateKey) (Transport, error) {
	server, err := handshake.NewServerHandshake(identityPriv)
	if err != nil {
		return nil, err
	}

	_, startPayload, err := recvRaw(conn)
	if err != nil {
		return nil, err
	}
	nonce, serverSig, serverIdentityPub, err := server.AuthChallenge(startPayload)
	if err != nil {
		return nil, err
	}
	if err := sendRaw(conn, wire.PacketHandshakeChallenge, encodeChallenge(server.Start(), nonce, serverSig, serverIdentityPub)); err != nil {
		return nil, err
	}

	_, completePayload, err := recvRaw(conn)
	if err != nil {
		return nil, err
	}
	clientIdentityPub, clientSig, err := decodeComplete(completePayload)
	if err != nil {
		return nil, err
	}
	keys, err := server.Complete(clientIdentityPub, clientSig)
	if err != nil {
		return nil, err
	}
	stream, err := handshake.NewServerStream(keys)
	if err != nil {
		return nil, err
	}
	return &encryptedTCPTransport{conn: conn, stream: stream}, nil
}

func (t *encryptedTCPTransport) Send(ctx context.Context, ptype wire.PacketType, payload []byte) error {
	// Seal under writeMu so frames reach the wire in send-counter order.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ciphertext := t.stream.Seal(payload)
	frame := wire.EncodeFrame(ptype, wire.FlagEncrypted, ciphertext)
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return wire.NewError(wire.ErrNetwork, "encrypted tcp write: %v", err)
	}
	return nil
}

func (t *encryptedTCPTransport) Recv(ctx context.Context) (wire.PacketType, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}
	ptype, ciphertext, err := recvRaw(t.conn)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := t.stream.Open(ciphertext)
	if err != nil {
		return 0, nil, err
	}
	return ptype, plaintext, nil
}

func (t *encryptedTCPTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *encryptedTCPTransport) PeerInfo() PeerInfo {
	return PeerInfo{RemoteAddr: t.conn.RemoteAddr().String(), Kind: KindTCPEncrypted}
}

// sendRaw/recvRaw frame handshake messages themselves over the plain
// connection before a Stream exists to encrypt them.
func sendRaw(conn net.Conn, ptype wire.PacketType, payload []byte) error {
	frame := wire.EncodeFrame(ptype, 0, payload)
	if _, err := conn.Write(frame); err != nil {
		return wire.NewError(wire.ErrNetwork, "handshake write: %v", err)
	}
	return nil
}

func recvRaw(conn net.Conn) (wire.PacketType, []byte, error) {
	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, wire.NewError(wire.ErrNetwork, "handshake read header: %v", err)
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	if h.PayloadLen > maxFrameLen {
		return 0, nil, wire.NewError(wire.ErrNetworkProtocol, "handshake payload %d exceeds max", h.PayloadLen)
	}
	buf := bufpool.Get(int(h.PayloadLen))
	if _, err := io.ReadFull(conn, buf.Bytes); err != nil {
		bufpool.Put(buf)
		return 0, nil, wire.NewError(wire.ErrNetwork, "handshake read payload: %v", err)
	}
	if !wire.VerifyChecksum(h, buf.Bytes) {
		bufpool.Put(buf)
		return 0, nil, wire.NewError(wire.ErrNetworkProtocol, "handshake checksum mismatch")
	}
	payload := append([]byte(nil), buf.Bytes...)
	bufpool.Put(buf)
	return h.Type, payload, nil
}
