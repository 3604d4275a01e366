// Package netutil holds the small set of socket-level helpers shared by the
// channel and fleet packages: the Binding value type and platform socket
// option tuning.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// Binding is an (IP, port) pair identifying one endpoint.
type Binding struct {
	IP   net.IP
	Port int
}

// String renders the binding the way net.JoinHostPort does.
func (b Binding) String() string {
	return net.JoinHostPort(b.IP.String(), strconv.Itoa(b.Port))
}

// Equal reports whether b and o denote the same endpoint.
func (b Binding) Equal(o Binding) bool {
	return b.IP.Equal(o.IP) && b.Port == o.Port
}

// Key returns a comparable representation of b suitable for use as a map
// key (net.IP is a slice and is not itself comparable).
func (b Binding) Key() string {
	return b.String()
}

// BindingFromAddr derives a Binding from a net.Addr produced by the TCP
// stack (*net.TCPAddr in practice).
func BindingFromAddr(addr net.Addr) (Binding, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return Binding{}, fmt.Errorf("netutil: unsupported address type %T", addr)
	}
	return Binding{IP: tcpAddr.IP, Port: tcpAddr.Port}, nil
}
