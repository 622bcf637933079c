package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

func TestWebSocketTransportRoundTrip(t *testing.T) {
	serverTransportCh := make(chan Transport, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tr, err := AcceptWebSocket(w, r)
		require.NoError(t, err)
		serverTransportCh <- tr
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	server := <-serverTransportCh
	defer server.Close()

	require.NoError(t, client.Send(ctx, wire.PacketDiscoveryPing, []byte("ping")))
	ptype, payload, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.PacketDiscoveryPing, ptype)
	require.Equal(t, []byte("ping"), payload)

	require.NoError(t, server.Send(ctx, wire.PacketDiscoveryPong, []byte("pong")))
	ptype2, payload2, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.PacketDiscoveryPong, ptype2)
	require.Equal(t, []byte("pong"), payload2)

	require.Equal(t, KindWebSocket, client.PeerInfo().Kind)
}

func TestWebSocketSendDefersBufferFree(t *testing.T) {
	serverTransportCh := make(chan Transport, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tr, err := AcceptWebSocket(w, r)
		require.NoError(t, err)
		serverTransportCh <- tr
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()
	server := <-serverTransportCh
	defer server.Close()

	clientWS := client.(*wsTransport)

	require.NoError(t, client.Send(ctx, wire.PacketDiscoveryPing, []byte("one")))
	clientWS.pendingMu.Lock()
	require.Equal(t, 1, clientWS.pendingFree.Len(), "buffer must still be queued, not freed synchronously after Send returns")
	clientWS.pendingMu.Unlock()

	require.NoError(t, client.Send(ctx, wire.PacketDiscoveryPing, []byte("two")))
	clientWS.pendingMu.Lock()
	require.Equal(t, 1, clientWS.pendingFree.Len(), "the first Send's buffer should drain at the start of the next Send")
	clientWS.pendingMu.Unlock()

	_, _, err = server.Recv(ctx)
	require.NoError(t, err)
	_, _, err = server.Recv(ctx)
	require.NoError(t, err)
}

func TestWebSocketReassemblyAcrossFragmentedWrites(t *testing.T) {
	serverTransportCh := make(chan Transport, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tr, err := AcceptWebSocket(w, r)
		require.NoError(t, err)
		serverTransportCh <- tr
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()
	server := <-serverTransportCh
	defer server.Close()

	frame := wire.EncodeFrame(wire.PacketStatsAck, 0, []byte("a full payload split across writes"))
	clientWS := client.(*wsTransport)
	require.NoError(t, clientWS.conn.WriteMessage(websocket.BinaryMessage, frame[:10]))
	require.NoError(t, clientWS.conn.WriteMessage(websocket.BinaryMessage, frame[10:]))

	ptype, payload, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.PacketStatsAck, ptype)
	require.Equal(t, []byte("a full payload split across writes"), payload)
}
