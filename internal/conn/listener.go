// Listener/acceptor half of this package: bind one non-blocking socket
// per configured address:port and turn its readiness events into new
// Connection instances.
//
// Shaped after listenSocket in engine/epoll.go (raw
// syscall.Socket/Bind/Listen) and its accept branch in StartEpoll, ported
// from syscall to golang.org/x/sys/unix for the same reason internal/reactor
// is (kqueue support), and from a direct epoll handle to the Reactor
// interface.
package conn

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/mmahmood233/localhost/internal/reactor"
	"github.com/mmahmood233/localhost/internal/timewheel"
)

const listenBacklog = 128

// Listener owns one bound, non-blocking listening socket and the shared
// per-listener configuration every Connection it accepts is handed.
type Listener struct {
	fd     int
	Shared *Shared
}

// Listen creates, binds and starts listening on addr:port. addr must be
// empty (any address) or a literal IPv4 address — this is a single-process
// origin server, not a dual-stack one.
func Listen(addr string, port int, shared *Shared) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("conn: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddrFor(addr, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("conn: set nonblocking: %w", err)
	}

	return &Listener{fd: fd, Shared: shared}, nil
}

func sockaddrFor(addr string, port int) (unix.Sockaddr, error) {
	if addr == "" || addr == "0.0.0.0" {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("conn: invalid IPv4 bind address %q", addr)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}

// Fd is the listening socket's descriptor, for registering and for
// telling apart listener readiness from connection readiness in the
// event loop.
func (l *Listener) Fd() int { return l.fd }

// Register installs the listening socket with r for read readiness.
func (l *Listener) Register(r reactor.Reactor) error {
	return r.Register(l.fd, reactor.Interest{Read: true})
}

// Accept performs exactly one non-blocking accept, matching the
// one-syscall-per-readiness discipline the rest of this package follows.
// A would-block result is reported as (nil, nil) rather than an error, so
// the event loop's accept loop around this call stops cleanly.
func (l *Listener) Accept(r reactor.Reactor, w *timewheel.Wheel) (*Connection, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err == unix.EAGAIN {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}

	addr, port := peerAddr(sa)
	return New(nfd, addr, port, l.Shared, r, w), nil
}

func peerAddr(sa unix.Sockaddr) (string, string) {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port)
	}
	return "", ""
}

// Close stops accepting; already-accepted connections are unaffected.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
