package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/network/nettest"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/store"
	"github.com/tether-project/tether/internal/telemetry"
	"github.com/tether-project/tether/internal/transfer"
)

const adminToken = "s3cret"

type fakeVerifier map[string]store.Verified

func (f fakeVerifier) VerifySessionToken(_ context.Context, token string) (store.Verified, error) {
	v, ok := f[token]
	if !ok {
		return store.Verified{}, fmt.Errorf("session: %w", store.ErrNotFound)
	}
	return v, nil
}

type harness struct {
	cfg    *config.Config
	rt     *network.Runtime
	peers  *peer.Engine
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Security.AdminToken = adminToken

	metrics := telemetry.NewMetrics(nil)
	rt := &network.Runtime{
		Registry: network.NewRegistry(),
		Router:   network.NewRouter(metrics),
		Metrics:  metrics,
	}
	peers := peer.NewEngine(peer.DefaultPendingTimeout, func(id string) bool {
		_, ok := rt.Registry.Get(id)
		return ok
	})

	verifier := fakeVerifier{
		"good-token": {
			User:    store.User{ID: "u1", Name: "alice"},
			Session: store.Session{ID: "s1", UserID: "u1"},
		},
	}

	srv := NewServer(cfg, Deps{
		Runtime:   rt,
		WebSocket: network.NewWebSocketServer(cfg, rt),
		Peers:     peers,
		Transfers: transfer.NewTracker(transfer.DefaultTTL),
		Verifier:  verifier,
		Metrics:   metrics,
		Version:   "test",
	})

	return &harness{cfg: cfg, rt: rt, peers: peers, server: srv}
}

func (h *harness) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/public/ping", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "tether", body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/monitor/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/monitor/stats", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/monitor/stats", adminToken, "").Code)

	h.cfg.Security.AdminToken = ""
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/monitor/stats", adminToken, "").Code)

	h.cfg.Security.AuthDisabled = true
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/monitor/stats", "", "").Code)
}

func TestStatsAndSessions(t *testing.T) {
	h := newHarness(t)

	c1 := network.NewConnection(context.Background(), "tcp_1", nettest.NewTCP("10.0.0.1"), h.rt)
	c1.SetAuthenticated(network.Identity{UserID: "u1", UserName: "alice", SessionID: "s1"})
	network.NewConnection(context.Background(), "ws_2", nettest.NewWebSocket("10.0.0.2"), h.rt)

	w := h.do(http.MethodGet, "/api/monitor/stats", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.EqualValues(t, 2, stats["connections"])
	assert.EqualValues(t, 1, stats["online_users"])
	byTransport := stats["by_transport"].(map[string]any)
	assert.EqualValues(t, 1, byTransport["TCP"])
	assert.EqualValues(t, 1, byTransport["WebSocket"])

	w = h.do(http.MethodGet, "/api/monitor/sessions", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []sessionView `json:"sessions"`
		Total    int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)

	byID := map[string]sessionView{}
	for _, s := range resp.Sessions {
		byID[s.ConnectionID] = s
	}
	assert.True(t, byID["tcp_1"].Authenticated)
	assert.Equal(t, "alice", byID["tcp_1"].UserName)
	assert.Equal(t, "10.0.0.1", byID["tcp_1"].RemoteIP)
	assert.False(t, byID["ws_2"].Authenticated)
}

func TestPeersForDevice(t *testing.T) {
	h := newHarness(t)

	network.NewConnection(context.Background(), "tcp_src", nettest.NewTCP("10.0.0.1"), h.rt)
	_, err := h.peers.AttemptConnection(peer.Attempt{
		SourceDeviceID:  "dev-a",
		TargetDeviceID:  "dev-b",
		RequestID:       "42",
		SourceConnID:    "tcp_src",
		SourceTransport: string(network.TransportTCP),
	})
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/api/monitor/peers/dev-b", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DeviceID string        `json:"device_id"`
		Peers    []peer.Record `json:"peers"`
		Total    int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dev-b", resp.DeviceID)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "42", resp.Peers[0].RequestID)
	assert.Equal(t, peer.StatePending, resp.Peers[0].State)

	w = h.do(http.MethodGet, "/api/monitor/peers/dev-z", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["total"])
}

func TestSystemInfo(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/monitor/system", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "system")
	assert.Contains(t, body, "usage")
}

func TestKick(t *testing.T) {
	h := newHarness(t)

	rec := nettest.NewTCP("10.0.0.5")
	network.NewConnection(context.Background(), "tcp_kick", rec, h.rt)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/control/kick/missing", adminToken, "").Code)

	w := h.do(http.MethodPost, "/api/control/kick/tcp_kick", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rec.Closed())

	_, ok := h.rt.Registry.Get("tcp_kick")
	assert.False(t, ok)
}

func TestConfigRoutes(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/configure/config", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	sec := decodeBody(t, w)["security"].(map[string]any)
	assert.Equal(t, redacted, sec["admin_token"])

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/configure/log_level", adminToken, `{"level":"loud"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/configure/log_level", adminToken, `{}`).Code)

	w = h.do(http.MethodPost, "/api/configure/log_level", adminToken, `{"level":"DEBUG"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", h.cfg.GetLogging().Level)

	reloaded, err := config.Load(filepath.Dir(h.cfg.Path()))
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.GetLogging().Level)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	network.NewConnection(context.Background(), "tcp_m", nettest.NewTCP("10.0.0.1"), h.rt)

	w := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tether_connections")
}

func TestWebSocketRejectsMissingOrBadToken(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/ws", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/ws", "bogus", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/ws?token=bogus", "", "").Code)
	assert.Zero(t, h.rt.Registry.Count())
}

func TestWebSocketUpgradeWithQueryToken(t *testing.T) {
	h := newHarness(t)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good-token"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	pt, _, _, err := protocol.ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.SystemHandshake, pt)

	require.True(t, h.rt.Registry.IsUserOnline("u1"))
	conns := h.rt.Registry.ByUser("u1")
	require.Len(t, conns, 1)
	id, ok := conns[0].Identity()
	require.True(t, ok)
	assert.Equal(t, "s1", id.SessionID)
	assert.Equal(t, "127.0.0.1", conns[0].RemoteIP())
}

func TestWebSocketUpgradeWithBearerHeader(t *testing.T) {
	h := newHarness(t)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer good-token")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return h.rt.Registry.IsUserOnline("u1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("2.2.2.2"))

	rl.idle = -time.Minute
	assert.Equal(t, 2, rl.Prune())

	assert.True(t, NewRateLimiter(0).Allow("1.1.1.1"))
}

func TestIPWhitelist(t *testing.T) {
	h := newHarness(t)
	h.cfg.Security.IPWhitelist = []string{"10.0.0.0/8"}
	h.server = NewServer(h.cfg, h.server.deps)

	// httptest requests come from 192.0.2.1.
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/monitor/stats", adminToken, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/public/ping", "", "").Code)

	h.cfg.Security.IPWhitelist = []string{"192.0.2.1"}
	h.server = NewServer(h.cfg, h.server.deps)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/monitor/stats", adminToken, "").Code)
}
