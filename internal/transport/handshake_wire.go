package transport

import (
	"crypto/ed25519"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Fixed field lengths for the handshake packets carried over the wire
// before a Stream exists to encrypt them (spec.md §4.B).
const (
	x25519KeyLen = 32
	nonceLen     = 32
	ed25519SigLen = 64
	ed25519PubLen = 32
)

// encodeChallenge packs PacketHandshakeChallenge's payload: server
// ephemeral key || nonce || server signature || server identity key.
func encodeChallenge(serverEphemeral, nonce, serverSig []byte, serverIdentityPub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, x25519KeyLen+nonceLen+ed25519SigLen+ed25519PubLen)
	buf = append(buf, serverEphemeral...)
	buf = append(buf, nonce...)
	buf = append(buf, serverSig...)
	buf = append(buf, serverIdentityPub...)
	return buf
}

func decodeChallenge(buf []byte) (serverEphemeral, nonce, serverSig []byte, serverIdentityPub ed25519.PublicKey, err error) {
	want := x25519KeyLen + nonceLen + ed25519SigLen + ed25519PubLen
	if len(buf) != want {
		return nil, nil, nil, nil, wire.NewError(wire.ErrNetworkProtocol, "handshake challenge: want %d bytes, got %d", want, len(buf))
	}
	off := 0
	serverEphemeral = buf[off : off+x25519KeyLen]
	off += x25519KeyLen
	nonce = buf[off : off+nonceLen]
	off += nonceLen
	serverSig = buf[off : off+ed25519SigLen]
	off += ed25519SigLen
	serverIdentityPub = ed25519.PublicKey(buf[off : off+ed25519PubLen])
	return serverEphemeral, nonce, serverSig, serverIdentityPub, nil
}

// encodeComplete packs PacketHandshakeComplete's payload: client identity
// key || client signature.
func encodeComplete(clientIdentityPub ed25519.PublicKey, clientSig []byte) []byte {
	buf := make([]byte, 0, ed25519PubLen+ed25519SigLen)
	buf = append(buf, clientIdentityPub...)
	buf = append(buf, clientSig...)
	return buf
}

func decodeComplete(buf []byte) (clientIdentityPub ed25519.PublicKey, clientSig []byte, err error) {
	want := ed25519PubLen + ed25519SigLen
	if len(buf) != want {
		return nil, nil, wire.NewError(wire.ErrNetworkProtocol, "handshake complete: want %d bytes, got %d", want, len(buf))
	}
	clientIdentityPub = ed25519.PublicKey(buf[:ed25519PubLen])
	clientSig = buf[ed25519PubLen:]
	return clientIdentityPub, clientSig, nil
}
