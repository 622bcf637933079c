// Package handshake implements the three-step mutual-authentication
// handshake of spec.md §4.B: ephemeral X25519 key exchange, an Ed25519
// identity challenge/response, and per-direction AEAD session keys derived
// from the exchange transcript. Grounded on the Noise/E2EE handshake shape
// found in the example pack (NLipatov-TunGo's IK handshake, floegence's
// E2EE handshake) but specialized to spec.md's exact three-step protocol.
package handshake

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Stage tracks which of the three handshake steps has completed.
type Stage int

const (
	StageStart Stage = iota
	StageAuthChallenge
	StageComplete
	StageFailed
)

// hkdfInfo domain-separates the session key derivation from any other use
// of the same shared secret.
const hkdfInfo = "ascii-chat/acip-session-keys/v1"

// sessionKeyLen is the ChaCha20-Poly1305 key size.
const sessionKeyLen = 32

// ServerHandshake drives the server side of the three-step handshake for
// one connection.
type ServerHandshake struct {
	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey

	ephemeralPriv *ecdh.PrivateKey
	ephemeralPub  []byte

	peerEphemeralPub []byte
	peerIdentityPub  ed25519.PublicKey

	nonce []byte
	stage Stage
}

// NewServerHandshake creates a handshake bound to the server's long-term
// Ed25519 identity key pair.
func NewServerHandshake(identityPriv ed25519.PrivateKey) (*ServerHandshake, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &ServerHandshake{
		identityPriv:  identityPriv,
		identityPub:   identityPriv.Public().(ed25519.PublicKey),
		ephemeralPriv: priv,
		ephemeralPub:  priv.PublicKey().Bytes(),
		stage:         StageStart,
	}, nil
}

// Start returns the server's ephemeral X25519 public key to send to the
// client (step 1).
func (h *ServerHandshake) Start() []byte {
	return h.ephemeralPub
}

// AuthChallenge consumes the client's ephemeral public key and produces a
// signed nonce challenge (step 2). The server signs (nonce) with its
// identity key; the client is expected to reply with its own identity
// signature over the same nonce.
func (h *ServerHandshake) AuthChallenge(clientEphemeralPub []byte) (nonce, signature []byte, serverIdentityPub ed25519.PublicKey, err error) {
	if h.stage != StageStart {
		return nil, nil, nil, wire.NewError(wire.ErrInvalidState, "handshake not in start stage")
	}
	h.peerEphemeralPub = append([]byte(nil), clientEphemeralPub...)

	nonce = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		h.stage = StageFailed
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	h.nonce = nonce
	sig := ed25519.Sign(h.identityPriv, nonce)
	h.stage = StageAuthChallenge
	return nonce, sig, h.identityPub, nil
}

// Complete verifies the client's identity signature over the challenge
// nonce and, on success, derives the per-direction AEAD session keys (step
// 3). Signature failure is fatal for the connection (spec.md §7).
func (h *ServerHandshake) Complete(clientIdentityPub ed25519.PublicKey, clientSig []byte) (*SessionKeys, error) {
	if h.stage != StageAuthChallenge {
		return nil, wire.NewError(wire.ErrInvalidState, "handshake not in auth-challenge stage")
	}
	if !ed25519.Verify(clientIdentityPub, h.nonce, clientSig) {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "client identity signature invalid")
	}
	h.peerIdentityPub = clientIdentityPub

	peerPub, err := ecdh.X25519().NewPublicKey(h.peerEphemeralPub)
	if err != nil {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "invalid peer ephemeral key: %v", err)
	}
	shared, err := h.ephemeralPriv.ECDH(peerPub)
	if err != nil {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "ECDH failed: %v", err)
	}

	keys, err := deriveSessionKeys(shared, h.ephemeralPub, h.peerEphemeralPub, true)
	if err != nil {
		h.stage = StageFailed
		return nil, err
	}
	h.stage = StageComplete
	return keys, nil
}

// ClientHandshake drives the client side of the three-step handshake.
type ClientHandshake struct {
	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey

	ephemeralPriv *ecdh.PrivateKey
	ephemeralPub  []byte

	peerEphemeralPub []byte
	stage            Stage
}

// NewClientHandshake creates a handshake bound to the client's long-term
// Ed25519 identity key pair.
func NewClientHandshake(identityPriv ed25519.PrivateKey) (*ClientHandshake, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &ClientHandshake{
		identityPriv:  identityPriv,
		identityPub:   identityPriv.Public().(ed25519.PublicKey),
		ephemeralPriv: priv,
		ephemeralPub:  priv.PublicKey().Bytes(),
		stage:         StageStart,
	}, nil
}

// Start returns the client's ephemeral X25519 public key (step 1).
func (h *ClientHandshake) Start() []byte {
	return h.ephemeralPub
}

// RespondToChallenge consumes the server's ephemeral key, nonce, and
// identity signature, verifies the server's identity, and returns the
// client's own identity signature plus public key to complete the
// handshake (step 2 response).
func (h *ClientHandshake) RespondToChallenge(serverEphemeralPub, nonce, serverSig []byte, serverIdentityPub ed25519.PublicKey) (clientSig []byte, err error) {
	if h.stage != StageStart {
		return nil, wire.NewError(wire.ErrInvalidState, "handshake not in start stage")
	}
	if !ed25519.Verify(serverIdentityPub, nonce, serverSig) {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "server identity signature invalid")
	}
	h.peerEphemeralPub = append([]byte(nil), serverEphemeralPub...)
	h.stage = StageAuthChallenge
	return ed25519.Sign(h.identityPriv, nonce), nil
}

// Complete derives the per-direction AEAD session keys from the exchange
// transcript (step 3).
func (h *ClientHandshake) Complete() (*SessionKeys, error) {
	if h.stage != StageAuthChallenge {
		return nil, wire.NewError(wire.ErrInvalidState, "handshake not in auth-challenge stage")
	}
	peerPub, err := ecdh.X25519().NewPublicKey(h.peerEphemeralPub)
	if err != nil {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "invalid peer ephemeral key: %v", err)
	}
	shared, err := h.ephemeralPriv.ECDH(peerPub)
	if err != nil {
		h.stage = StageFailed
		return nil, wire.NewError(wire.ErrCryptoVerification, "ECDH failed: %v", err)
	}
	keys, err := deriveSessionKeys(shared, h.peerEphemeralPub, h.ephemeralPub, false)
	if err != nil {
		h.stage = StageFailed
		return nil, err
	}
	h.stage = StageComplete
	return keys, nil
}

// SessionKeys holds the per-direction symmetric keys derived after a
// completed handshake. ServerToClient/ClientToServer let each side seal
// with its own send key and open with the peer's.
type SessionKeys struct {
	ServerToClient [sessionKeyLen]byte
	ClientToServer [sessionKeyLen]byte
}

// deriveSessionKeys runs HKDF-SHA256 over the ECDH shared secret, salted
// with both ephemeral public keys so the derivation is bound to this
// exact exchange transcript. Both callers pass the server's ephemeral key
// first and the client's second, so both sides compute the identical salt;
// the trailing bool argument is ignored.
func deriveSessionKeys(shared, serverEphemeralPub, clientEphemeralPub []byte, _ bool) (*SessionKeys, error) {
	salt := make([]byte, 0, len(serverEphemeralPub)+len(clientEphemeralPub))
	salt = append(salt, serverEphemeralPub...)
	salt = append(salt, clientEphemeralPub...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	var keys SessionKeys
	if _, err := io.ReadFull(reader, keys.ServerToClient[:]); err != nil {
		return nil, fmt.Errorf("derive server->client key: %w", err)
	}
	if _, err := io.ReadFull(reader, keys.ClientToServer[:]); err != nil {
		return nil, fmt.Errorf("derive client->server key: %w", err)
	}
	return &keys, nil
}
