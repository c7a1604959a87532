package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/protocol"
)

// closeGracePeriod bounds the close frame write on shutdown.
const closeGracePeriod = time.Second

// WebSocketServer upgrades HTTP requests that were already authenticated by
// the caller. WebSocket connections never see the login gate.
type WebSocketServer struct {
	cfg      *config.Config
	rt       *Runtime
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a WebSocket server on the shared runtime.
func NewWebSocketServer(cfg *config.Config, rt *Runtime) *WebSocketServer {
	allowed := cfg.GetSecurity().AllowedOrigins

	return &WebSocketServer{
		cfg: cfg,
		rt:  rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowed, r.Header.Get("Origin"))
			},
		},
	}
}

// Serve upgrades the request and starts the read loop for the authenticated
// identity. ctx is the server lifetime, not the request context. On upgrade
// failure the upgrader has already written the HTTP error.
func (s *WebSocketServer) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, remoteIP string, id Identity) (*Connection, error) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade websocket: %w", err)
	}

	srv := s.cfg.GetServer()
	if remoteIP == "" {
		remoteIP = defaultRemoteIP
	}

	transport := &wsTransport{
		conn:         wsConn,
		remoteIP:     remoteIP,
		writeTimeout: time.Duration(srv.WriteTimeoutSec) * time.Second,
	}
	conn := NewConnection(ctx, "ws_"+uuid.NewString(), transport, s.rt)
	conn.SetAuthenticated(id)
	conn.Send(protocol.SystemHandshake, 0, nil)

	go s.readLoop(ctx, conn, wsConn, time.Duration(srv.ReadTimeoutSec)*time.Second)
	return conn, nil
}

func (s *WebSocketServer) readLoop(ctx context.Context, conn *Connection, wsConn *websocket.Conn, readTimeout time.Duration) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.Logger().Info().Msg("WebSocket client connected")

	wsConn.SetReadLimit(protocol.MaxFrameSize)

	for {
		if readTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			if conn.IsClosed() {
				return
			}
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				conn.Logger().Warn().Int("max", protocol.MaxFrameSize).Msg("frame too large, shutting down")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				conn.Logger().Debug().Msg("client disconnected")
			default:
				conn.Logger().Warn().Err(err).Msg("read error, closing connection")
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			conn.Logger().Warn().Int("message_type", msgType).Msg("ignoring non-binary message")
			continue
		}

		conn.HandleMessage(data)
	}
}

// wsTransport adapts a gorilla WebSocket to Transport. Each frame is one
// binary message, so no extra length prefix is needed.
type wsTransport struct {
	wmu          sync.Mutex
	conn         *websocket.Conn
	remoteIP     string
	writeTimeout time.Duration
	closed       atomic.Bool
}

func (t *wsTransport) Kind() TransportKind { return TransportWebSocket }

func (t *wsTransport) RemoteIP() string { return t.remoteIP }

func (t *wsTransport) RequiresAuth() bool { return false }

func (t *wsTransport) Write(frame []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("connection is closed")
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) Writable() bool {
	return !t.closed.Load()
}

func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod),
	)
	return t.conn.Close()
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
