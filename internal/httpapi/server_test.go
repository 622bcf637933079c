package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zfogg/ascii-chat-sub011/internal/registry"
	"github.com/zfogg/ascii-chat-sub011/internal/store"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

func TestHealthzReportsConnectedParticipants(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	reg := registry.New()
	api := New(st, reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 0, health.ConnectedParticipants)
}

func TestMetricsReportsCounters(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	reg := registry.New()
	api := New(st, reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m metricsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	require.Equal(t, 0, m.ConnectedParticipants)
	require.Equal(t, 0, m.MigrationsInFlight)
}

func TestDebugSessionReturnsStoredSession(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	var k [32]byte
	k[0] = 0x42
	created, err := st.Create(store.CreateRequest{
		Capabilities:    1,
		MaxParticipants: 4,
		SessionType:     wire.SessionTypeDirectTCP,
		IdentityKeys:    [][32]byte{k},
	}, store.Config{})
	require.NoError(t, err)

	reg := registry.New()
	api := New(st, reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/sessions/" + created.SessionID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body debugSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, created.SessionID.String(), body.SessionID)
	require.Equal(t, created.SessionString, body.SessionString)
	require.False(t, body.InMigration)
}

func TestDebugSessionMissingReturns404(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	reg := registry.New()
	api := New(st, reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/sessions/" + "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugSessionInvalidIDReturns400(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	reg := registry.New()
	api := New(st, reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/sessions/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
