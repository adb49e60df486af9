//go:build darwin

package ioloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

type fdEntry struct {
	cb     Callback
	events Events
}

// kqueuePoller backs a Loop with kqueue, grounded on
// joeycumines-go-utilpkg/eventloop/poller_darwin.go's FastPoller: the
// same EV_ADD/EV_DELETE per-filter registration shape, adapted from a
// growable fdInfo slice to a map (no direct-indexing performance
// requirement here) and using an EVFILT_USER event instead of a wake
// pipe for cross-thread wakeup, since kqueue supports that natively.
type kqueuePoller struct {
	kq int

	mu     sync.Mutex
	fds    map[int]*fdEntry
	closed bool

	eventBuf [128]unix.Kevent_t
}

const wakeIdent = 1

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	p := &kqueuePoller{kq: kq, fds: make(map[int]*fdEntry)}

	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return p, nil
}

func eventsToKevents(fd int, ev Events, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	if ev&Readable != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&Writable != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return out
}

func (p *kqueuePoller) registerFD(fd int, ev Events, cb Callback) error {
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
	kevents := eventsToKevents(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = &fdEntry{cb: cb, events: ev}
	return nil
}

func (p *kqueuePoller) modifyFD(fd int, ev Events) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if del := eventsToKevents(fd, entry.events, unix.EV_DELETE); len(del) > 0 {
		_, _ = unix.Kevent(p.kq, del, nil, nil)
	}
	if add := eventsToKevents(fd, ev, unix.EV_ADD|unix.EV_ENABLE); len(add) > 0 {
		if _, err := unix.Kevent(p.kq, add, nil, nil); err != nil {
			return err
		}
	}
	entry.events = ev
	return nil
}

func (p *kqueuePoller) unregisterFD(fd int) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	if p.closed {
		return nil
	}
	if del := eventsToKevents(fd, entry.events, unix.EV_DELETE); len(del) > 0 {
		_, _ = unix.Kevent(p.kq, del, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) poll(timeoutMs int) error {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1_000_000))
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		kev := p.eventBuf[i]
		if kev.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(kev.Ident)
		p.mu.Lock()
		entry, ok := p.fds[fd]
		p.mu.Unlock()
		if !ok || entry.cb == nil {
			continue
		}
		var ev Events
		switch kev.Filter {
		case unix.EVFILT_READ:
			ev |= Readable
		case unix.EVFILT_WRITE:
			ev |= Writable
		}
		if kev.Flags&unix.EV_EOF != 0 {
			ev |= Hangup
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			ev |= Error
		}
		entry.cb(ev)
	}
	return nil
}

func (p *kqueuePoller) wake() {
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
}

func (p *kqueuePoller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return unix.Close(p.kq)
}
