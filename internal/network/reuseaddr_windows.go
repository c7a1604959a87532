//go:build windows

package network

import (
	"net"
	"syscall"
	"time"
)

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR before
// binding. Accepted sockets inherit the given keep-alive period.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}
