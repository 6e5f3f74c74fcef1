//go:build linux

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEpollReadWriteReadiness(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := fds[0], fds[1]
	defer unix.Close(a)
	defer unix.Close(b)

	if err := unix.SetNonblock(a, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	r, err := New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	if err := r.Register(a, Interest{Read: true, Write: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// a should start out writable (empty socket buffer).
	events, err := r.Wait(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !anyWritable(events, a) {
		t.Fatalf("expected fd %d writable, got %+v", a, events)
	}

	if err := r.Modify(a, Interest{Read: true}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err = r.Wait(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !anyReadable(events, a) {
		t.Fatalf("expected fd %d readable, got %+v", a, events)
	}

	if err := r.Deregister(a); err != nil {
		t.Fatalf("deregister: %v", err)
	}
}

func TestEpollWaitTimeoutReturnsNoEvents(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	events, err := r.Wait(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func anyWritable(events []Event, fd int) bool {
	for _, e := range events {
		if e.Fd == fd && e.Writable {
			return true
		}
	}
	return false
}

func anyReadable(events []Event, fd int) bool {
	for _, e := range events {
		if e.Fd == fd && e.Readable {
			return true
		}
	}
	return false
}
