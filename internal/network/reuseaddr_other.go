//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

// ReuseAddrListenConfig returns a plain ListenConfig on platforms without a
// SO_REUSEADDR shim.
func ReuseAddrListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAlive}
}
