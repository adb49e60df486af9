//go:build linux

package ioloop

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

type fdEntry struct {
	cb     Callback
	events Events
}

// epollPoller backs a Loop with epoll, grounded on
// joeycumines-go-utilpkg/eventloop/poller_linux.go's FastPoller, adapted
// from fixed-size direct-indexed arrays to a map (this package has no
// equivalent cache-line-padding performance requirement) and from a
// version-counter consistency check to a plain mutex, since dispatch
// here always runs on the single Loop goroutine.
type epollPoller struct {
	epfd     int
	wakeFD   int
	wakeOnce sync.Once

	mu     sync.Mutex
	fds    map[int]*fdEntry
	closed bool

	eventBuf [128]unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{epfd: epfd, wakeFD: wakeFD, fds: make(map[int]*fdEntry)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}
	return p, nil
}

func eventsToEpoll(ev Events) uint32 {
	var out uint32
	if ev&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEvents(raw uint32) Events {
	var ev Events
	if raw&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if raw&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if raw&unix.EPOLLERR != 0 {
		ev |= Error
	}
	if raw&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= Hangup
	}
	return ev
}

func (p *epollPoller) registerFD(fd int, ev Events, cb Callback) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(ev),
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	p.fds[fd] = &fdEntry{cb: cb, events: ev}
	return nil
}

func (p *epollPoller) modifyFD(fd int, ev Events) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	entry, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(ev),
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	entry.events = ev
	return nil
}

func (p *epollPoller) unregisterFD(fd int) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	if p.closed {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) poll(timeoutMs int) error {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		p.mu.Lock()
		entry, ok := p.fds[fd]
		p.mu.Unlock()
		if ok && entry.cb != nil {
			entry.cb(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakeFD, buf[:])
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}
