//go:build linux

package conn

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/reactor"
	"github.com/mmahmood233/localhost/internal/timewheel"
)

// testHarness drives a Connection over one half of a unix socketpair, the
// way reactor_test.go drives the raw reactor, so the state machine sees
// real non-blocking readiness events instead of mocked ones.
type testHarness struct {
	t    *testing.T
	c    *Connection
	peer int
	r    reactor.Reactor
	w    *timewheel.Wheel
}

func newHarness(t *testing.T, vh *config.VirtualHost) *testHarness {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFD, peerFD := fds[0], fds[1]
	if err := unix.SetNonblock(serverFD, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(peerFD, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	r, err := reactor.New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	wheel := timewheel.New()

	shared := &Shared{
		Listener:  &config.ListenerConfig{VirtualHosts: []*config.VirtualHost{vh}},
		Limits:    config.DefaultLimits(),
		Timeouts:  config.DefaultTimeouts(),
		ServerTag: "localhost/1.0",
	}

	c := New(serverFD, "127.0.0.1", "9999", shared, r, wheel)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		unix.Close(peerFD)
	})

	return &testHarness{t: t, c: c, peer: peerFD, r: r, w: wheel}
}

// pumpUntilResponse drives the event loop (real readiness events, not
// synthetic calls) until the connection has something to read from the
// peer's end, or the deadline passes.
func (h *testHarness) pumpUntilResponse(timeout time.Duration) []byte {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		events, err := h.r.Wait(20 * time.Millisecond)
		if err != nil {
			h.t.Fatalf("wait: %v", err)
		}
		for _, ev := range events {
			if ev.Fd != h.c.Fd() {
				continue
			}
			if ev.Readable {
				h.c.OnReadable(ev.Fd)
			}
			if ev.Writable {
				h.c.OnWritable(ev.Fd)
			}
		}
		if buf := h.tryReadPeer(); buf != nil {
			return buf
		}
	}
	h.t.Fatalf("timed out waiting for a response")
	return nil
}

func (h *testHarness) tryReadPeer() []byte {
	var scratch [64 << 10]byte
	n, err := unix.Read(h.peer, scratch[:])
	if err == unix.EAGAIN {
		return nil
	}
	if n <= 0 {
		return nil
	}
	return append([]byte(nil), scratch[:n]...)
}

func (h *testHarness) send(data string) {
	h.t.Helper()
	if _, err := unix.Write(h.peer, []byte(data)); err != nil {
		h.t.Fatalf("write to peer: %v", err)
	}
}

func staticVHost(root string) *config.VirtualHost {
	return &config.VirtualHost{
		ServerName: "example.com",
		Default:    true,
		Routes: []*config.Route{
			{
				Path:         "/*",
				Action:       config.ActionServeStatic,
				DocumentRoot: root,
				IndexFiles:   []string{"index.html"},
			},
		},
	}
}

func TestConnectionServesStaticFileOverRealSocket(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, staticVHost(root))
	h.send("GET /hello.txt HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	resp := h.pumpUntilResponse(2 * time.Second)
	if !bytes.HasPrefix(resp, []byte("HTTP/1.1 200")) {
		t.Fatalf("unexpected status line: %q", resp)
	}
	if !bytes.Contains(resp, []byte("hi there")) {
		t.Fatalf("missing body in response: %q", resp)
	}
	if c := h.c; c.Phase() != PhaseClosed && c.Phase() != PhaseWrite {
		t.Fatalf("unexpected phase after close response: %v", c.Phase())
	}
}

func TestConnectionReturns404ForUnknownRoute(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, staticVHost(root))
	h.send("GET /nope.txt HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	resp := h.pumpUntilResponse(2 * time.Second)
	if !bytes.HasPrefix(resp, []byte("HTTP/1.1 404")) {
		t.Fatalf("unexpected status line: %q", resp)
	}
}

func TestConnectionKeepAliveServesSecondRequestOnSameSocket(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("bbb"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, staticVHost(root))
	h.send("GET /a.txt HTTP/1.1\r\nHost: example.com\r\n\r\n")
	first := h.pumpUntilResponse(2 * time.Second)
	if !bytes.Contains(first, []byte("aaa")) {
		t.Fatalf("missing first body: %q", first)
	}
	if h.c.Phase() == PhaseClosed {
		t.Fatalf("connection closed after keep-alive response")
	}

	h.send("GET /b.txt HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	second := h.pumpUntilResponse(2 * time.Second)
	if !bytes.Contains(second, []byte("bbb")) {
		t.Fatalf("missing second body: %q", second)
	}
}

func TestConnectionPipelinedBytesSurviveIntoKeepAlive(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("bbb"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, staticVHost(root))
	// Both requests land in one write, simulating a pipelining client;
	// the second must still be served off leftover bytes, not dropped.
	h.send("GET /a.txt HTTP/1.1\r\nHost: example.com\r\n\r\n" +
		"GET /b.txt HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	first := h.pumpUntilResponse(2 * time.Second)
	if !bytes.Contains(first, []byte("aaa")) {
		t.Fatalf("missing first body: %q", first)
	}

	second := h.pumpUntilResponse(2 * time.Second)
	if !bytes.Contains(second, []byte("bbb")) {
		t.Fatalf("missing second body: %q", second)
	}
}

func TestConnectionReadHeaderTimeoutSends408(t *testing.T) {
	root := t.TempDir()
	shared := &Shared{
		Listener:  &config.ListenerConfig{VirtualHosts: []*config.VirtualHost{staticVHost(root)}},
		Limits:    config.DefaultLimits(),
		Timeouts:  config.Timeouts{ReadHeader: 10 * time.Millisecond, Write: time.Second, KeepAliveIdle: time.Second},
		ServerTag: "localhost/1.0",
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFD, peerFD := fds[0], fds[1]
	unix.SetNonblock(serverFD, true)
	unix.SetNonblock(peerFD, true)
	defer unix.Close(peerFD)

	r, err := reactor.New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()
	wheel := timewheel.New()

	c := New(serverFD, "127.0.0.1", "9999", shared, r, wheel)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	time.Sleep(30 * time.Millisecond)
	for _, exp := range wheel.Expired(time.Now()) {
		if exp.ID == c.ID() {
			c.OnTimeout(exp.Reason)
		}
	}

	var out bytes.Buffer
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var scratch [4096]byte
		n, err := unix.Read(peerFD, scratch[:])
		if n > 0 {
			out.Write(scratch[:n])
		}
		if err != nil && err != unix.EAGAIN {
			break
		}
		if out.Len() > 0 && bytes.Contains(out.Bytes(), []byte("\r\n\r\n")) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !bytes.HasPrefix(out.Bytes(), []byte("HTTP/1.1 408")) {
		t.Fatalf("expected a 408 response, got %q", out.Bytes())
	}
}
