//go:build !unix

package netutil

import "net"

// TuneConn disables Nagle's algorithm. Kernel buffer tuning via
// golang.org/x/sys/unix is not available on this platform, so send/recv
// buffer sizes are left at their OS defaults.
func TuneConn(conn *net.TCPConn, sendBuf, recvBuf int) error {
	return conn.SetNoDelay(true)
}
