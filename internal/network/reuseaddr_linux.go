//go:build linux

package network

import (
	"net"
	"syscall"
	"time"
)

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted server can rebind ports still in TIME_WAIT.
// Accepted sockets inherit the given keep-alive period.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}
