package debugadapter

import (
	"fmt"
	"net"
	"time"
)

// portOpen reports whether a TCP listener is accepting connections on
// localhost:port, used to detect daemon startup (§5's "10s control-
// protocol startup detection").
func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
