package handshake

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func genIdentity(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}

func runHandshake(t *testing.T) (*SessionKeys, *SessionKeys) {
	t.Helper()
	serverID := genIdentity(t)
	clientID := genIdentity(t)

	server, err := NewServerHandshake(serverID)
	require.NoError(t, err)
	client, err := NewClientHandshake(clientID)
	require.NoError(t, err)

	serverEphemeral := server.Start()
	clientEphemeral := client.Start()

	nonce, serverSig, serverIdentityPub, err := server.AuthChallenge(clientEphemeral)
	require.NoError(t, err)

	clientSig, err := client.RespondToChallenge(serverEphemeral, nonce, serverSig, serverIdentityPub)
	require.NoError(t, err)

	serverKeys, err := server.Complete(clientID.Public().(ed25519.PublicKey), clientSig)
	require.NoError(t, err)

	clientKeys, err := client.Complete()
	require.NoError(t, err)

	return serverKeys, clientKeys
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	serverKeys, clientKeys := runHandshake(t)
	require.Equal(t, serverKeys.ServerToClient, clientKeys.ServerToClient)
	require.Equal(t, serverKeys.ClientToServer, clientKeys.ClientToServer)
}

func TestHandshakeRejectsForgedClientSignature(t *testing.T) {
	serverID := genIdentity(t)
	impostor := genIdentity(t)
	realClientID := genIdentity(t)

	server, err := NewServerHandshake(serverID)
	require.NoError(t, err)
	client, err := NewClientHandshake(realClientID)
	require.NoError(t, err)

	clientEphemeral := client.Start()
	nonce, serverSig, serverIdentityPub, err := server.AuthChallenge(clientEphemeral)
	require.NoError(t, err)

	_, err = client.RespondToChallenge(server.Start(), nonce, serverSig, serverIdentityPub)
	require.NoError(t, err)

	forgedSig := ed25519.Sign(impostor, nonce)
	_, err = server.Complete(realClientID.Public().(ed25519.PublicKey), forgedSig)
	require.Error(t, err)
}

func TestHandshakeRejectsForgedServerSignature(t *testing.T) {
	serverID := genIdentity(t)
	impostor := genIdentity(t)
	clientID := genIdentity(t)

	server, err := NewServerHandshake(serverID)
	require.NoError(t, err)
	client, err := NewClientHandshake(clientID)
	require.NoError(t, err)

	clientEphemeral := client.Start()
	nonce, _, _, err := server.AuthChallenge(clientEphemeral)
	require.NoError(t, err)

	forgedSig := ed25519.Sign(impostor, nonce)
	_, err = client.RespondToChallenge(server.Start(), nonce, forgedSig, serverID.Public().(ed25519.PublicKey))
	require.Error(t, err)
}

func TestStreamSealOpenRoundTrip(t *testing.T) {
	serverKeys, clientKeys := runHandshake(t)

	serverStream, err := NewServerStream(serverKeys)
	require.NoError(t, err)
	clientStream, err := NewClientStream(clientKeys)
	require.NoError(t, err)

	ct := serverStream.Seal([]byte("host announcement payload"))
	pt, err := clientStream.Open(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("host announcement payload"), pt)

	ct2 := clientStream.Seal([]byte("stats update payload"))
	pt2, err := serverStream.Open(ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("stats update payload"), pt2)
}

func TestStreamOpenRejectsTamperedCiphertext(t *testing.T) {
	serverKeys, clientKeys := runHandshake(t)

	serverStream, err := NewServerStream(serverKeys)
	require.NoError(t, err)
	clientStream, err := NewClientStream(clientKeys)
	require.NoError(t, err)

	ct := serverStream.Seal([]byte("payload"))
	ct[len(ct)-1] ^= 0xFF
	_, err = clientStream.Open(ct)
	require.Error(t, err)
}

func TestStreamOutOfOrderOpenFails(t *testing.T) {
	serverKeys, clientKeys := runHandshake(t)

	serverStream, err := NewServerStream(serverKeys)
	require.NoError(t, err)
	clientStream, err := NewClientStream(clientKeys)
	require.NoError(t, err)

	ct1 := serverStream.Seal([]byte("first"))
	ct2 := serverStream.Seal([]byte("second"))

	// Opening out of counter order must fail: the receive counter always
	// advances, so presenting ct2 before ct1 uses the wrong nonce for ct2.
	_, err = clientStream.Open(ct2)
	require.Error(t, err)
	_, err = clientStream.Open(ct1)
	require.Error(t, err)
}
