//go:build unix

package netutil

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TuneConn disables Nagle's algorithm and sets the socket's send/receive
// buffers to sendBuf/recvBuf so a burst of pipelined letters does not stall
// on small kernel buffers; a size that is not positive leaves that buffer at
// its OS default. Best-effort: failures are returned for logging, never fatal to
// the caller's connection setup.
func TuneConn(conn *net.TCPConn, sendBuf, recvBuf int) error {
	if err := conn.SetNoDelay(true); err != nil {
		return errors.Wrap(err, "netutil: set no delay")
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "netutil: syscall conn")
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if sendBuf > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBuf); err != nil {
				sockErr = err
				return
			}
		}
		if recvBuf > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf); err != nil {
				sockErr = err
				return
			}
		}
	})
	if ctrlErr != nil {
		return errors.Wrap(ctrlErr, "netutil: control")
	}
	if sockErr != nil {
		return errors.Wrap(sockErr, "netutil: setsockopt")
	}
	return nil
}
