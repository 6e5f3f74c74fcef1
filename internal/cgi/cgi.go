// Package cgi implements the CGI/1.1 bridge: fork an interpreter against
// a script, feed it a CGI/1.1 environment, stream the request body to its
// stdin and its stdout back into a response, all over non-blocking pipes
// the caller registers with the reactor.
//
// Shaped after runCGI in abbrev-thirteen-gopher-server's main.go
// (os/exec.Command + cmd.Env + cmd.StdoutPipe + cmd.Start, and the
// REQUEST_METHOD/SCRIPT_NAME/SERVER_PROTOCOL/... variable set it builds),
// adapted from that server's blocking goroutine-per-request read to
// manually-created, non-blocking pipes (unix.Pipe2 + unix.SetNonblock) so
// the connection state machine can drive them from the same cooperative
// loop instead of spawning a reader goroutine.
package cgi

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Metadata is everything about the originating request the CGI/1.1
// environment is built from.
type Metadata struct {
	Method         string
	RequestURI     string // path + "?" + query, as received
	ScriptName     string // the route path prefix that selected this script
	ScriptFilename string // resolved filesystem path of the script
	PathInfo       string // trailing path segments after ScriptName
	QueryString    string
	ContentType    string
	ContentLength  int64 // -1 when unknown (chunked request body)
	ServerName     string
	ServerPort     int
	ServerProtocol string // "HTTP/1.1" or "HTTP/1.0"
	ServerSoftware string
	RemoteAddr     string
	RemotePort     string
	Headers        map[string][]string // raw request headers for HTTP_* passthrough
}

// BuildEnv builds the CGI/1.1 variable table.
func BuildEnv(m Metadata) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + m.ServerProtocol,
		"SERVER_SOFTWARE=" + m.ServerSoftware,
		"REQUEST_METHOD=" + m.Method,
		"REQUEST_URI=" + m.RequestURI,
		"SCRIPT_NAME=" + m.ScriptName,
		"SCRIPT_FILENAME=" + m.ScriptFilename,
		"PATH_INFO=" + m.PathInfo,
		"QUERY_STRING=" + m.QueryString,
		"SERVER_NAME=" + m.ServerName,
		"SERVER_PORT=" + strconv.Itoa(m.ServerPort),
		"REMOTE_ADDR=" + m.RemoteAddr,
		"REMOTE_PORT=" + m.RemotePort,
	}
	if m.ContentType != "" {
		env = append(env, "CONTENT_TYPE="+m.ContentType)
	}
	if m.ContentLength >= 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(m.ContentLength, 10))
	}
	for name, values := range m.Headers {
		key := "HTTP_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
		env = append(env, key+"="+strings.Join(values, ", "))
	}
	return env
}

// Process is one running CGI invocation. Its two pipe ends are plain,
// non-blocking file descriptors meant to be registered with a reactor —
// Process itself never blocks on I/O.
type Process struct {
	cmd      *exec.Cmd
	stdinFD  int // parent's write end of the child's stdin; -1 once closed
	stdoutFD int // parent's read end of the child's stdout
}

// Start forks interpreter (or scriptPath directly if interpreter is
// empty) against scriptPath, wiring env as its environment.
func Start(interpreter, scriptPath string, env []string) (*Process, error) {
	if interpreter != "" {
		return startProcess([]string{interpreter, scriptPath}, env, dirOf(scriptPath))
	}
	return startProcess([]string{scriptPath}, env, dirOf(scriptPath))
}

func startProcess(argv []string, env []string, dir string) (*Process, error) {
	stdinFDs, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	stdoutFDs, err := pipe()
	if err != nil {
		unix.Close(stdinFDs[0])
		unix.Close(stdinFDs[1])
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}

	childStdin := os.NewFile(uintptr(stdinFDs[0]), "cgi-stdin-r")
	childStdout := os.NewFile(uintptr(stdoutFDs[1]), "cgi-stdout-w")
	defer childStdin.Close()
	defer childStdout.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = os.Stderr
	cmd.Dir = dir

	if err := cmd.Start(); err != nil {
		unix.Close(stdinFDs[1])
		unix.Close(stdoutFDs[0])
		return nil, fmt.Errorf("cgi: start: %w", err)
	}

	if err := unix.SetNonblock(stdinFDs[1], true); err != nil {
		return nil, fmt.Errorf("cgi: set stdin nonblocking: %w", err)
	}
	if err := unix.SetNonblock(stdoutFDs[0], true); err != nil {
		return nil, fmt.Errorf("cgi: set stdout nonblocking: %w", err)
	}

	return &Process{cmd: cmd, stdinFD: stdinFDs[1], stdoutFD: stdoutFDs[0]}, nil
}

func pipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i != -1 {
		return path[:i]
	}
	return "."
}

// StdinFD is the fd to register for write-readiness while there is
// request-body data left to forward.
func (p *Process) StdinFD() int { return p.stdinFD }

// StdoutFD is the fd to register for read-readiness to pull response
// bytes from.
func (p *Process) StdoutFD() int { return p.stdoutFD }

// WriteStdin forwards a chunk of the request body. It never blocks:
// EAGAIN is reported as (0, nil) so the caller waits for the next
// write-ready event on StdinFD.
func (p *Process) WriteStdin(data []byte) (int, error) {
	if p.stdinFD < 0 {
		return 0, fmt.Errorf("cgi: stdin already closed")
	}
	n, err := unix.Write(p.stdinFD, data)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

// CloseStdin signals EOF to the child once the whole request body (if
// any) has been forwarded.
func (p *Process) CloseStdin() error {
	if p.stdinFD < 0 {
		return nil
	}
	err := unix.Close(p.stdinFD)
	p.stdinFD = -1
	return err
}

// ReadStdout pulls whatever the child has written so far. eof is true
// once the child has closed its end of the pipe.
func (p *Process) ReadStdout(dst []byte) (n int, eof bool, err error) {
	n, err = unix.Read(p.stdoutFD, dst)
	if err == unix.EAGAIN {
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}
	if n == 0 {
		return 0, true, nil
	}
	return n, false, nil
}

// Kill sends SIGKILL, for when the whole-request CGI deadline fires.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait reaps the child. Must be called exactly once, after ReadStdout has
// reported eof or after Kill.
func (p *Process) Wait() error {
	if p.stdinFD >= 0 {
		p.CloseStdin()
	}
	unix.Close(p.stdoutFD)
	return p.cmd.Wait()
}
