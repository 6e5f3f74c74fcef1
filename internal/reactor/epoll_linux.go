//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// epollReactor is the EpollCreate1/EpollCtl/EpollWait loop, minus the
// jobs-channel/worker-pool dispatch on top of it. One cooperative loop,
// no goroutines per fd.
type epollReactor struct {
	fd     int
	events []unix.EpollEvent
}

// New returns the Reactor for the current platform.
func New() (Reactor, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollReactor{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func interestToEvents(i Interest) uint32 {
	var e uint32
	if i.Read {
		e |= unix.EPOLLIN
	}
	if i.Write {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *epollReactor) Register(fd int, interest Interest) error {
	return unix.EpollCtl(r.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: interestToEvents(interest),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Modify(fd int, interest Interest) error {
	return unix.EpollCtl(r.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: interestToEvents(interest),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Deregister(fd int) error {
	err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (r *epollReactor) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(r.fd, r.events, ms)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := r.events[i]
		out = append(out, Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			HangUp:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      ev.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.fd)
}
