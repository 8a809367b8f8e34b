package probe

import (
	"net"
	"time"
)

// TorRunning reports whether a Tor SOCKS port is accepting connections.
// Callers use it to decide whether tor-scheme records are worth
// registering at all.
func TorRunning(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
