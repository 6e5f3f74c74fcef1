//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// kqueueReactor is the BSD/Darwin counterpart of epollReactor. kqueue
// tracks read and write interest as two independent filters per fd
// (EVFILT_READ / EVFILT_WRITE), so Register/Modify adds or deletes each
// filter individually to converge on the requested Interest.
type kqueueReactor struct {
	fd      int
	events  []unix.Kevent_t
	current map[int]Interest
}

func New() (Reactor, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueReactor{
		fd:      fd,
		events:  make([]unix.Kevent_t, maxEvents),
		current: make(map[int]Interest),
	}, nil
}

func (r *kqueueReactor) applyDelta(fd int, want Interest) error {
	have := r.current[fd]
	var changes []unix.Kevent_t

	if want.Read != have.Read {
		flag := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !want.Read {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag})
	}
	if want.Write != have.Write {
		flag := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !want.Write {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag})
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(r.fd, changes, nil, nil); err != nil {
			return err
		}
	}
	r.current[fd] = want
	return nil
}

func (r *kqueueReactor) Register(fd int, interest Interest) error {
	return r.applyDelta(fd, interest)
}

func (r *kqueueReactor) Modify(fd int, interest Interest) error {
	return r.applyDelta(fd, interest)
}

func (r *kqueueReactor) Deregister(fd int) error {
	err := r.applyDelta(fd, Interest{})
	delete(r.current, fd)
	return err
}

func (r *kqueueReactor) Wait(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(r.fd, nil, r.events, ts)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byFd := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Ident)
		e, ok := byFd[fd]
		if !ok {
			e = &Event{Fd: fd}
			byFd[fd] = e
			order = append(order, fd)
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.Readable = true
		case unix.EVFILT_WRITE:
			e.Writable = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			e.HangUp = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e.Err = true
		}
	}

	out := make([]Event, 0, len(order))
	for _, fd := range order {
		out = append(out, *byFd[fd])
	}
	return out, nil
}

func (r *kqueueReactor) Close() error {
	return unix.Close(r.fd)
}
