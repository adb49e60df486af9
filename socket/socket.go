// Package socket is a thin, coroutine-aware wrapper over raw POSIX
// sockets: TCP and Unix-domain listeners/connections whose blocking
// operations suspend the calling coroutine (via scheduler.WaitIO)
// instead of the underlying OS thread.
//
// It talks to the kernel directly through golang.org/x/sys/unix rather
// than through net.Listener/net.Conn, because net's own connections are
// already multiplexed over the Go runtime's hidden poller — wrapping
// them here would suspend the calling goroutine at the runtime level
// instead of suspending the coroutine at the scheduler level, which
// breaks the WAITING state machine scheduler owns. DNS resolution is the
// one piece explicitly delegated to the standard library's
// net.Resolver, matching the non-goal in SPEC_FULL.md §4.5.
package socket

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/scheduler"
)

// Socket wraps a single non-blocking file descriptor. It is used by one
// coroutine at a time; concurrent use is undefined, matching §4.5.
type Socket struct {
	sched    *scheduler.Scheduler
	fd       int
	deadline time.Time
	closed   bool
}

// FD returns the underlying raw file descriptor.
func (s *Socket) FD() int { return s.fd }

// SetDeadline configures an absolute per-operation timeout, consulted by
// the owning scheduler's periodic sweep while the calling coroutine is
// suspended in Wait.
func (s *Socket) SetDeadline(d time.Time) { s.deadline = d }

// Wait suspends c until the socket is ready for flags, or its deadline
// (if any) passes.
func (s *Socket) Wait(c *coroutine.Coroutine, flags scheduler.IOFlags) (coroutine.Event, error) {
	return s.sched.WaitIO(c, s.fd, flags, s.deadline)
}

// ReadSome attempts a non-blocking read into buf, retrying via Wait on
// EAGAIN, matching §4.5's "attempt a non-blocking syscall and, on EAGAIN,
// call Wait(READABLE) and retry."
func (s *Socket) ReadSome(c *coroutine.Coroutine, buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			ev, werr := s.Wait(c, scheduler.WaitReadable)
			if werr != nil {
				return 0, werr
			}
			if ev == coroutine.EventTimeout || ev == coroutine.EventHUP {
				return 0, eventError(ev)
			}
			continue
		}
		return 0, err
	}
}

// WriteSome attempts a non-blocking write of buf, retrying via Wait on
// EAGAIN.
func (s *Socket) WriteSome(c *coroutine.Coroutine, buf []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			ev, werr := s.Wait(c, scheduler.WaitWritable)
			if werr != nil {
				return 0, werr
			}
			if ev == coroutine.EventTimeout || ev == coroutine.EventHUP {
				return 0, eventError(ev)
			}
			continue
		}
		return 0, err
	}
}

// Close releases the underlying file descriptor. Safe to call more than
// once.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

type timeoutError struct{ event coroutine.Event }

func (e timeoutError) Error() string { return "socket: " + e.event.String() }
func (e timeoutError) Timeout() bool { return e.event == coroutine.EventTimeout }

func eventError(ev coroutine.Event) error { return timeoutError{event: ev} }

// Listener accepts new connections without blocking the scheduler's OS
// thread.
type Listener struct {
	sched *scheduler.Scheduler
	fd    int
}

// ListenTCP creates a non-blocking, listening IPv4/IPv6 TCP socket bound
// to addr.
func ListenTCP(sched *scheduler.Scheduler, addr *net.TCPAddr) (*Listener, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	sa, err := tcpSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Listener{sched: sched, fd: fd}, nil
}

// ListenUnix creates a non-blocking, listening Unix-domain stream socket
// bound to path.
func ListenUnix(sched *scheduler.Scheduler, path string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Listener{sched: sched, fd: fd}, nil
}

// Accept suspends c until a connection is pending, then returns it as a
// non-blocking Socket.
func (l *Listener) Accept(c *coroutine.Coroutine) (*Socket, error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return &Socket{sched: l.sched, fd: nfd}, nil
		}
		if err == unix.EAGAIN {
			if _, werr := l.sched.WaitIO(c, l.fd, scheduler.WaitReadable, time.Time{}); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, err
	}
}

// FD returns the listening socket's raw file descriptor.
func (l *Listener) FD() int { return l.fd }

// Addr returns the address the listener is bound to, useful after
// binding to port 0 for an OS-assigned ephemeral port.
func (l *Listener) Addr() (net.Addr, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return nil, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

// Close stops listening and releases the file descriptor.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// ConnectTCP establishes a non-blocking outbound TCP connection,
// suspending c until the connect completes or fails.
func ConnectTCP(sched *scheduler.Scheduler, c *coroutine.Coroutine, addr *net.TCPAddr) (*Socket, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	sa, err := tcpSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return finishConnect(sched, c, fd, sa)
}

// ConnectUnix establishes a non-blocking outbound Unix-domain
// connection, suspending c until the connect completes or fails.
func ConnectUnix(sched *scheduler.Scheduler, c *coroutine.Coroutine, path string) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return finishConnect(sched, c, fd, &unix.SockaddrUnix{Name: path})
}

func finishConnect(sched *scheduler.Scheduler, c *coroutine.Coroutine, fd int, sa unix.Sockaddr) (*Socket, error) {
	err := unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, err
	}
	if err == unix.EINPROGRESS {
		if _, werr := sched.WaitIO(c, fd, scheduler.WaitWritable, time.Time{}); werr != nil {
			_ = unix.Close(fd)
			return nil, werr
		}
		errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil {
			_ = unix.Close(fd)
			return nil, serr
		}
		if errno != 0 {
			_ = unix.Close(fd)
			return nil, unix.Errno(errno)
		}
	}
	return &Socket{sched: sched, fd: fd}, nil
}

func tcpSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		ip6 = net.IPv6zero
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}

// ResolveTCPAddr resolves host:port via the standard library's
// net.Resolver — the one piece of socket I/O this package does not
// reimplement, per §4.5's non-goal.
func ResolveTCPAddr(ctx context.Context, network, address string) (*net.TCPAddr, error) {
	return net.DefaultResolver.ResolveTCPAddr(ctx, network, address)
}
