//go:build linux

package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mmahmood233/localhost/internal/config"
)

// freePort finds a currently-unused TCP port by briefly binding to :0 with
// the standard net package, then handing the number to the raw-syscall
// listener this server builds on. There is an unavoidable, small TOCTOU
// window, which is fine for a test.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, port int, root string) *config.Config {
	return &config.Config{
		ServerTag: "localhost-test/1.0",
		Limits:    config.DefaultLimits(),
		Timeouts:  config.DefaultTimeouts(),
		Listeners: []*config.ListenerConfig{
			{
				Address: "127.0.0.1",
				Port:    port,
				VirtualHosts: []*config.VirtualHost{
					{
						ServerName: "example.com",
						Default:    true,
						Routes: []*config.Route{
							{Path: "/*", Action: config.ActionServeStatic, DocumentRoot: root, IndexFiles: []string{"index.html"}},
						},
					},
				},
			},
		},
	}
}

func TestServerServesOneRequestEndToEnd(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello from disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	port := freePort(t)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(testConfig(t, port, root), log)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	if err != nil && err != io.EOF {
		t.Fatalf("read response: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server.Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}

	if !bytes.Contains(body, []byte("200")) || !bytes.Contains(body, []byte("hello from disk")) {
		t.Fatalf("unexpected response: %q", body)
	}
}
