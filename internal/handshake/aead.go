package handshake

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Stream seals and opens packet payloads with ChaCha20-Poly1305, using a
// monotonically increasing per-direction counter as the nonce (spec.md
// §4.B). The counter is zero-extended into the 12-byte nonce the same way
// TunGo's IK transport does it: little-endian uint64 in the low 8 bytes,
// the top 4 bytes always zero.
type Stream struct {
	sendAEAD cAEAD
	recvAEAD cAEAD
	sendCtr  atomic.Uint64
	recvCtr  atomic.Uint64
}

type cAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewServerStream builds a Stream for the server side: sends with
// ServerToClient, receives with ClientToServer.
func NewServerStream(keys *SessionKeys) (*Stream, error) {
	return newStream(keys.ServerToClient[:], keys.ClientToServer[:])
}

// NewClientStream builds a Stream for the client side: sends with
// ClientToServer, receives with ServerToClient.
func NewClientStream(keys *SessionKeys) (*Stream, error) {
	return newStream(keys.ClientToServer[:], keys.ServerToClient[:])
}

func newStream(sendKey, recvKey []byte) (*Stream, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, wire.NewError(wire.ErrCryptoVerification, "init send cipher: %v", err)
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, wire.NewError(wire.ErrCryptoVerification, "init recv cipher: %v", err)
	}
	return &Stream{sendAEAD: send, recvAEAD: recv}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, counter)
	return nonce
}

// Seal encrypts plaintext with the next send counter and returns
// ciphertext||tag. The counter itself is not transmitted: both sides track
// it implicitly by packet sequence, so packets must arrive (or be
// discarded) in order per spec.md §4.B's ordered-delivery assumption for
// encrypted transports.
func (s *Stream) Seal(plaintext []byte) []byte {
	ctr := s.sendCtr.Add(1) - 1
	return s.sendAEAD.Seal(nil, nonceFor(ctr), plaintext, nil)
}

// Open decrypts a ciphertext produced by the peer's Seal, advancing the
// receive counter. Returns ERR_CRYPTO_VERIFICATION on tag mismatch.
func (s *Stream) Open(ciphertext []byte) ([]byte, error) {
	ctr := s.recvCtr.Add(1) - 1
	plaintext, err := s.recvAEAD.Open(nil, nonceFor(ctr), ciphertext, nil)
	if err != nil {
		return nil, wire.NewError(wire.ErrCryptoVerification, "AEAD open failed at counter %d: %v", ctr, err)
	}
	return plaintext, nil
}
