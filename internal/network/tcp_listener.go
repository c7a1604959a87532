package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/protocol"
)

const (
	// defaultRemoteIP is reported when the peer address cannot be parsed.
	defaultRemoteIP = "0.0.0.0"

	tcpKeepAlive = 30 * time.Second
)

// TCPListener accepts raw TCP clients. Frames on the stream carry a 4-byte
// little-endian length prefix, and clients must log in before anything else.
type TCPListener struct {
	cfg *config.Config
	rt  *Runtime
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg *config.Config, rt *Runtime) *TCPListener {
	return &TCPListener{
		cfg: cfg,
		rt:  rt,
	}
}

// Start listens for clients until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	srv := l.cfg.GetServer()
	addr := net.JoinHostPort(srv.BindAddress, fmt.Sprintf("%d", srv.TCPPort))

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig(tcpKeepAlive)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		go l.handleConnection(ctx, conn)
	}
}

// handleConnection runs the read loop for one client.
func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	srv := l.cfg.GetServer()
	readTimeout := time.Duration(srv.ReadTimeoutSec) * time.Second

	transport := newTCPTransport(rawConn, time.Duration(srv.WriteTimeoutSec)*time.Second)
	conn := NewConnection(ctx, "tcp_"+uuid.NewString(), transport, l.rt)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.Logger().Info().Msg("TCP client connected")

	conn.Send(protocol.SystemHandshake, 0, nil)

	for {
		if readTimeout > 0 {
			rawConn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		frame, err := protocol.ReadPacket(rawConn)
		if err != nil {
			if conn.IsClosed() {
				return
			}

			var netErr net.Error
			switch {
			case errors.Is(err, protocol.ErrInvalidFrameLength):
				conn.Logger().Warn().Err(err).Msg("invalid frame length, destroying connection")
			case errors.As(err, &netErr) && netErr.Timeout():
				conn.Logger().Warn().Dur("timeout", readTimeout).Msg("connection timed out")
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				conn.Logger().Debug().Msg("client disconnected")
			default:
				conn.Logger().Error().Err(err).Msg("read error, closing connection")
			}
			return
		}

		conn.HandleMessage(frame)
	}
}

// tcpTransport adapts a net.Conn to Transport. Close does not take the write
// lock, so it can interrupt a write blocked on a slow peer.
type tcpTransport struct {
	wmu          sync.Mutex
	conn         net.Conn
	remoteIP     string
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newTCPTransport(conn net.Conn, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		remoteIP:     hostOf(conn.RemoteAddr()),
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) Kind() TransportKind { return TransportTCP }

func (t *tcpTransport) RemoteIP() string { return t.remoteIP }

func (t *tcpTransport) RequiresAuth() bool { return true }

func (t *tcpTransport) Write(frame []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("connection is closed")
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WritePacket(t.conn, frame)
}

func (t *tcpTransport) Writable() bool {
	return !t.closed.Load()
}

func (t *tcpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return defaultRemoteIP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return defaultRemoteIP
	}
	return host
}
