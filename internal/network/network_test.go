package network_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/network/nettest"
	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/telemetry"
)

type lifecycleCall struct {
	connID string
	flag   bool
}

type recordingLifecycle struct {
	mu     sync.Mutex
	opened []lifecycleCall
	closed []lifecycleCall
}

func (l *recordingLifecycle) Authenticated(_ context.Context, c *network.Connection, first bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, lifecycleCall{c.ID(), first})
}

func (l *recordingLifecycle) Closed(_ context.Context, c *network.Connection, last bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, lifecycleCall{c.ID(), last})
}

func newRuntime() (*network.Runtime, *recordingLifecycle) {
	lc := &recordingLifecycle{}
	metrics := telemetry.NewMetrics(nil)
	return &network.Runtime{
		Registry:  network.NewRegistry(),
		Router:    network.NewRouter(metrics),
		Lifecycle: lc,
		Metrics:   metrics,
	}, lc
}

func frame(t *testing.T, pt protocol.PacketType, reqID int32, body string) []byte {
	t.Helper()
	var fn protocol.PayloadFunc
	if body != "" {
		fn = protocol.StringPayload(body)
	}
	f, err := protocol.BuildFrame(pt, reqID, fn)
	require.NoError(t, err)
	return f
}

func TestRegistryFirstAndLastSession(t *testing.T) {
	rt, lc := newRuntime()
	ctx := context.Background()
	alice := network.Identity{UserID: "u-alice", UserName: "alice", SessionID: "s1"}

	var conns []*network.Connection
	for i := 0; i < 3; i++ {
		c := network.NewConnection(ctx, "ws_"+string(rune('a'+i)), nettest.NewWebSocket("10.0.0.1"), rt)
		c.SetAuthenticated(alice)
		conns = append(conns, c)
	}

	require.Len(t, lc.opened, 3)
	assert.True(t, lc.opened[0].flag)
	assert.False(t, lc.opened[1].flag)
	assert.False(t, lc.opened[2].flag)

	assert.Len(t, rt.Registry.ByUser("u-alice"), 3)
	assert.True(t, rt.Registry.IsUserOnline("u-alice"))
	assert.Equal(t, 1, rt.Registry.UserCount())

	conns[0].Close()
	conns[1].Close()
	assert.True(t, rt.Registry.IsUserOnline("u-alice"))
	conns[2].Close()
	conns[2].Close()

	require.Len(t, lc.closed, 3)
	assert.False(t, lc.closed[0].flag)
	assert.False(t, lc.closed[1].flag)
	assert.True(t, lc.closed[2].flag)
	assert.False(t, rt.Registry.IsUserOnline("u-alice"))
	assert.Equal(t, 0, rt.Registry.Count())
}

func TestSetAuthenticatedAfterCloseIsNoop(t *testing.T) {
	rt, lc := newRuntime()
	c := network.NewConnection(context.Background(), "ws_x", nettest.NewWebSocket("10.0.0.1"), rt)
	c.Close()

	c.SetAuthenticated(network.Identity{UserID: "u1"})

	assert.False(t, c.IsAuthenticated())
	assert.False(t, rt.Registry.IsUserOnline("u1"))
	assert.Empty(t, lc.opened)
}

func TestSetAuthenticatedWhileSending(t *testing.T) {
	rt, lc := newRuntime()
	tr := nettest.NewTCP("10.0.0.9")
	c := network.NewConnection(context.Background(), "tcp_busy", tr, rt)
	before := c.Logger()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.SetAuthenticated(network.Identity{UserID: "u-race", SessionID: "s-race"})
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.Send(protocol.SystemHeartbeat, 0, nil)
			c.Logger().Debug().Msg("tick")
		}
	}()
	wg.Wait()

	assert.True(t, c.IsAuthenticated())
	assert.Len(t, lc.opened, 1)
	assert.Len(t, tr.Frames(), 100)
	assert.NotSame(t, before, c.Logger())
}

func TestRegistryFindBySession(t *testing.T) {
	rt, _ := newRuntime()
	c := network.NewConnection(context.Background(), "ws_s", nettest.NewWebSocket("10.0.0.1"), rt)
	c.SetAuthenticated(network.Identity{UserID: "u1", SessionID: "sess-1"})

	found, ok := rt.Registry.FindBySession("sess-1")
	require.True(t, ok)
	assert.Same(t, c, found)

	_, ok = rt.Registry.FindBySession("")
	assert.False(t, ok)
}

func TestRegistryCleanStale(t *testing.T) {
	rt, _ := newRuntime()
	tr := nettest.NewWebSocket("10.0.0.1")
	network.NewConnection(context.Background(), "ws_stale", tr, rt)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rt.Registry.CleanStale(5*time.Millisecond))
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, rt.Registry.Count())
}

func TestHandleMessageShortFrameNotDispatched(t *testing.T) {
	rt, _ := newRuntime()
	var calls atomic.Int32
	rt.Router.Register(protocol.SystemHeartbeat, func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		calls.Add(1)
		return nil
	})

	tr := nettest.NewWebSocket("10.0.0.1")
	c := network.NewConnection(context.Background(), "ws_short", tr, rt)
	c.HandleMessage([]byte{byte(protocol.SystemHeartbeat), 1, 0})
	c.HandleMessage(nil)
	rt.Router.Wait()

	assert.Zero(t, calls.Load())
	assert.False(t, c.IsClosed())
	assert.Empty(t, tr.Frames())
}

func TestHandleMessageOversizedFrameCloses(t *testing.T) {
	rt, _ := newRuntime()
	tr := nettest.NewWebSocket("10.0.0.1")
	c := network.NewConnection(context.Background(), "ws_big", tr, rt)

	big := make([]byte, protocol.MaxFrameSize+1)
	big[0] = byte(protocol.SystemHeartbeat)
	c.HandleMessage(big)

	assert.True(t, c.IsClosed())
	assert.True(t, tr.Closed())
}

func TestTCPAuthGate(t *testing.T) {
	rt, _ := newRuntime()
	var calls atomic.Int32
	rt.Router.Register(protocol.SystemHeartbeat, func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		calls.Add(1)
		return nil
	})

	tr := nettest.NewTCP("10.0.0.2")
	c := network.NewConnection(context.Background(), "tcp_gate", tr, rt)
	c.HandleMessage(frame(t, protocol.SystemHeartbeat, 42, ""))
	rt.Router.Wait()

	assert.Zero(t, calls.Load())
	assert.True(t, c.IsClosed())

	errs := tr.OfType(protocol.ErrorPermission)
	require.Len(t, errs, 1)
	assert.Equal(t, int32(0), errs[0].RequestID)
	var msg protocol.MessagePayload
	require.NoError(t, errs[0].JSON(&msg))
	assert.Equal(t, "Authentication required", msg.Message)
}

func TestTCPLoginPassesGate(t *testing.T) {
	rt, _ := newRuntime()
	var calls atomic.Int32
	rt.Router.Register(protocol.AuthLoginRequest, func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		calls.Add(1)
		return nil
	})

	c := network.NewConnection(context.Background(), "tcp_login", nettest.NewTCP("10.0.0.2"), rt)
	c.HandleMessage(frame(t, protocol.AuthLoginRequest, 7, "token"))
	rt.Router.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, c.IsClosed())
}

func TestRouterContainsHandlerFailures(t *testing.T) {
	rt, _ := newRuntime()
	rt.Router.Register(protocol.DeviceRename, func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		return errors.New("rename exploded")
	})
	rt.Router.Register(protocol.DeviceDelete, func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		panic("boom")
	})

	tr := nettest.NewWebSocket("10.0.0.3")
	c := network.NewConnection(context.Background(), "ws_fail", tr, rt)
	c.HandleMessage(frame(t, protocol.DeviceRename, 11, "{}"))
	rt.Router.Wait()
	c.HandleMessage(frame(t, protocol.DeviceDelete, 12, "{}"))
	rt.Router.Wait()

	errs := tr.OfType(protocol.ErrorGeneric)
	require.Len(t, errs, 2)

	var msg protocol.MessagePayload
	require.NoError(t, errs[0].JSON(&msg))
	assert.Equal(t, int32(11), errs[0].RequestID)
	assert.Equal(t, "rename exploded", msg.Message)

	require.NoError(t, errs[1].JSON(&msg))
	assert.Equal(t, int32(12), errs[1].RequestID)
	assert.Equal(t, "Internal server error", msg.Message)

	assert.False(t, c.IsClosed())
}

func TestRouterMissingHandlerKeepsConnection(t *testing.T) {
	rt, _ := newRuntime()
	tr := nettest.NewWebSocket("10.0.0.3")
	c := network.NewConnection(context.Background(), "ws_missing", tr, rt)

	c.HandleMessage(frame(t, protocol.FileAck, 3, "{}"))
	c.HandleMessage(frame(t, protocol.PacketType(0x7F), 4, ""))
	rt.Router.Wait()

	assert.False(t, c.IsClosed())
	assert.Empty(t, tr.Frames())
}

func TestRouterRefusesUnknownType(t *testing.T) {
	r := network.NewRouter(nil)
	r.Register(protocol.PacketType(0x7F), func(context.Context, *network.Connection, *protocol.PacketReader, int32) error {
		return nil
	})
	assert.False(t, r.Handles(protocol.PacketType(0x7F)))
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	rt, _ := newRuntime()
	tr := nettest.NewWebSocket("10.0.0.3")
	c := network.NewConnection(context.Background(), "ws_drop", tr, rt)
	c.Close()

	assert.NoError(t, c.PushJSON(protocol.DeviceOnline, protocol.DevicePresencePayload{DeviceID: "d1"}))
	assert.Empty(t, tr.Frames())
}

func TestTCPListenerOverPipe(t *testing.T) {
	rt, _ := newRuntime()
	rt.Router.Register(protocol.AuthLoginRequest, func(_ context.Context, c *network.Connection, r *protocol.PacketReader, reqID int32) error {
		token, err := r.ReadString()
		if err != nil {
			return err
		}
		c.SetAuthenticated(network.Identity{UserID: "u-" + token, SessionID: "s-" + token})
		return c.SendJSON(protocol.AuthLoginResponse, reqID, protocol.AckPayload{Success: true})
	})
	rt.Router.Register(protocol.SystemHeartbeat, func(_ context.Context, c *network.Connection, _ *protocol.PacketReader, reqID int32) error {
		return c.Send(protocol.SystemHeartbeat, reqID, nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, client := net.Pipe()
	defer client.Close()

	l := network.NewTCPListener(config.DefaultConfig(), rt)
	done := make(chan struct{})
	go func() {
		l.ServeTCPConn(ctx, server)
		close(done)
	}()

	readFrame := func() (protocol.PacketType, int32, *protocol.PacketReader) {
		t.Helper()
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		raw, err := protocol.ReadPacket(client)
		require.NoError(t, err)
		pt, reqID, r, err := protocol.ParseHeader(raw)
		require.NoError(t, err)
		return pt, reqID, r
	}

	pt, reqID, _ := readFrame()
	assert.Equal(t, protocol.SystemHandshake, pt)
	assert.Equal(t, int32(0), reqID)

	require.NoError(t, protocol.WritePacket(client, frame(t, protocol.AuthLoginRequest, 5, "bob")))
	pt, reqID, _ = readFrame()
	assert.Equal(t, protocol.AuthLoginResponse, pt)
	assert.Equal(t, int32(5), reqID)
	assert.True(t, rt.Registry.IsUserOnline("u-bob"))

	require.NoError(t, protocol.WritePacket(client, frame(t, protocol.SystemHeartbeat, 6, "")))
	pt, reqID, _ = readFrame()
	assert.Equal(t, protocol.SystemHeartbeat, pt)
	assert.Equal(t, int32(6), reqID)

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.False(t, rt.Registry.IsUserOnline("u-bob"))
}

func TestTCPListenerGateOverPipe(t *testing.T) {
	rt, _ := newRuntime()
	server, client := net.Pipe()
	defer client.Close()

	l := network.NewTCPListener(config.DefaultConfig(), rt)
	go l.ServeTCPConn(context.Background(), server)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadPacket(client)
	require.NoError(t, err)

	require.NoError(t, protocol.WritePacket(client, frame(t, protocol.PeerConnectRequest, 9, "{}")))

	raw, err := protocol.ReadPacket(client)
	require.NoError(t, err)
	pt, reqID, _, err := protocol.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrorPermission, pt)
	assert.Equal(t, int32(0), reqID)

	_, err = protocol.ReadPacket(client)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketServe(t *testing.T) {
	rt, lc := newRuntime()
	rt.Router.Register(protocol.SystemHeartbeat, func(_ context.Context, c *network.Connection, _ *protocol.PacketReader, reqID int32) error {
		return c.Send(protocol.SystemHeartbeat, reqID, nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := network.NewWebSocketServer(config.DefaultConfig(), rt)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := ws.Serve(ctx, w, r, "127.0.0.1", network.Identity{UserID: "u-ws", SessionID: "s-ws"})
		assert.NoError(t, err)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	pt, _, _, err := protocol.ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.SystemHandshake, pt)
	assert.True(t, rt.Registry.IsUserOnline("u-ws"))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, frame(t, protocol.SystemHeartbeat, 77, "")))
	_, data, err = client.ReadMessage()
	require.NoError(t, err)
	pt, reqID, _, err := protocol.ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.SystemHeartbeat, pt)
	assert.Equal(t, int32(77), reqID)

	client.Close()
	require.Eventually(t, func() bool {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		return len(lc.closed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rt.Registry.IsUserOnline("u-ws"))

	lc.mu.Lock()
	defer lc.mu.Unlock()
	require.Len(t, lc.closed, 1)
	assert.True(t, lc.closed[0].flag)
}
