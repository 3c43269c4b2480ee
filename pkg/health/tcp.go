package health

import (
	"net"
	"time"
)

// TCPChecker verifies that a port is listening and accepting connections.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a checker with the given connection timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{timeout: timeout}
}

// Check attempts a TCP handshake with addr. No data is sent.
func (t *TCPChecker) Check(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
