package network

import (
	"context"
	"net"
)

// ServeTCPConn runs the TCP read loop for an already accepted conn.
func (l *TCPListener) ServeTCPConn(ctx context.Context, conn net.Conn) {
	l.handleConnection(ctx, conn)
}
