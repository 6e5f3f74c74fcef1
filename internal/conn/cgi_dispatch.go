package conn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmahmood233/localhost/internal/cgi"
	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/httpparse"
	"github.com/mmahmood233/localhost/internal/httpresp"
	"github.com/mmahmood233/localhost/internal/reactor"
	"github.com/mmahmood233/localhost/internal/timewheel"
)

// cgiWholeRequestTimeout is the CGI deadline used when
// Timeouts.WholeRequest is unset; either way the deadline bounds the
// whole CGI run, fork to either a complete header block or a kill.
const cgiWholeRequestTimeout = 30 * time.Second

// maxCGIHeaderBytes bounds how much of a misbehaving script's stdout this
// connection will buffer looking for the header block's terminating blank
// line before giving up and treating it as a bad gateway.
const maxCGIHeaderBytes = 64 << 10

// startCGIProcess forks the interpreter against scriptPath, registers its
// pipes, and starts forwarding whatever request body is already buffered.
func (c *Connection) startCGIProcess(interpreter string, route *config.Route, scriptPath string) {
	headers := map[string][]string{}
	c.req.Headers.Range(func(name, value string) {
		headers[name] = append(headers[name], value)
	})

	contentLength := int64(-1)
	if c.req.Framing == httpparse.BodyFixedLength {
		contentLength = c.req.ContentLength
	}
	contentType, _ := c.req.Headers.Get("Content-Type")

	meta := cgi.Metadata{
		Method:         c.req.Method.String(),
		RequestURI:     c.req.Target,
		ScriptName:     routePrefix(route),
		ScriptFilename: scriptPath,
		PathInfo:       strings.TrimPrefix(c.req.Path, routePrefix(route)),
		QueryString:    c.req.Query,
		ContentType:    contentType,
		ContentLength:  contentLength,
		ServerName:     c.req.Host,
		ServerPort:     c.shared.Listener.Port,
		ServerProtocol: httpVersionString(c.req.Version),
		ServerSoftware: c.shared.ServerTag,
		RemoteAddr:     c.remoteAddr,
		RemotePort:     c.remotePort,
		Headers:        headers,
	}

	proc, err := cgi.Start(interpreter, scriptPath, cgi.BuildEnv(meta))
	if err != nil {
		c.queueResponse(errorResponse(c.decision.VHost, 502, ""), true)
		return
	}

	c.cgiProc = proc
	c.cgiStdinBuf = c.bodyBuf
	c.cgiStdinOff = 0
	c.cgiStdinDone = len(c.cgiStdinBuf) == 0
	c.cgiHeaderBuf = nil
	c.cgiHeaderDone = false
	c.phase = PhaseCGIRunning
	wholeRequest := c.shared.Timeouts.WholeRequest
	if wholeRequest <= 0 {
		wholeRequest = cgiWholeRequestTimeout
	}
	c.wheel.Set(c.ID(), time.Now().Add(wholeRequest), timewheel.ReasonWholeRequest)

	if c.cgiStdinDone {
		proc.CloseStdin()
	} else if err := c.reactor.Register(proc.StdinFD(), reactor.Interest{Write: true}); err != nil {
		c.abortCGI(502)
		return
	}
	if err := c.reactor.Register(proc.StdoutFD(), reactor.Interest{Read: true}); err != nil {
		c.abortCGI(502)
		return
	}
}

func httpVersionString(v httpparse.Version) string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

// pumpCGIStdin forwards whatever of the request body has not yet reached
// the child. One write per call — the pipe fd is registered level-triggered,
// same as the client socket, so a readiness event earns exactly one
// syscall and the next one comes back around if there's more to push.
func (c *Connection) pumpCGIStdin() {
	if c.cgiProc == nil {
		return
	}
	if c.cgiStdinOff >= len(c.cgiStdinBuf) {
		c.closeCGIStdinIfDone()
		return
	}
	n, err := c.cgiProc.WriteStdin(c.cgiStdinBuf[c.cgiStdinOff:])
	if err != nil {
		c.abortCGI(502)
		return
	}
	if n == 0 {
		return // EAGAIN; wait for the next write-ready event
	}
	c.cgiStdinOff += n
	if c.cgiStdinOff >= len(c.cgiStdinBuf) {
		c.closeCGIStdinIfDone()
	}
}

func (c *Connection) closeCGIStdinIfDone() {
	if c.cgiStdinDone {
		return
	}
	c.cgiStdinDone = true
	c.reactor.Deregister(c.cgiProc.StdinFD())
	c.cgiProc.CloseStdin()
}

// pumpCGIStdout pulls whatever the child has written, detects the
// header-block boundary the first time through, and streams everything
// after it straight into the response. One read per call, same
// level-triggered reasoning as pumpCGIStdin.
func (c *Connection) pumpCGIStdout() {
	if c.cgiProc == nil {
		return
	}
	var scratch [readChunkSize]byte
	n, eof, err := c.cgiProc.ReadStdout(scratch[:])
	if err != nil {
		c.abortCGI(502)
		return
	}
	if n > 0 && !c.feedCGIOutput(scratch[:n]) {
		return
	}
	if eof {
		c.finishCGIOutput()
		return
	}
	// n == 0 && !eof is EAGAIN; wait for the next read-ready event.
}

// feedCGIOutput routes freshly read CGI stdout bytes: into the header
// accumulator until the header block completes, then straight into the
// response's byte queue. Returns false if it already closed or failed
// the connection.
func (c *Connection) feedCGIOutput(data []byte) bool {
	if c.cgiHeaderDone {
		c.cgiOut.Push(data)
		c.pumpWrite()
		return c.phase != PhaseClosed
	}

	c.cgiHeaderBuf = append(c.cgiHeaderBuf, data...)
	headerPart, bodyPart, complete := cgi.SplitHeaderBlock(c.cgiHeaderBuf)
	if !complete {
		if len(c.cgiHeaderBuf) > maxCGIHeaderBytes {
			c.abortCGI(502)
			return false
		}
		return true
	}

	hb, err := cgi.ParseHeaderBlock(headerPart)
	if err != nil {
		c.abortCGI(502)
		return false
	}

	c.cgiHeaderDone = true
	c.cgiOut = httpresp.NewQueueProducer()
	c.cgiOut.Push(bodyPart)

	var resp *httpresp.Response
	if knownLength := cgiContentLength(hb.Headers); knownLength >= 0 {
		resp = hb.ToResponse(c.cgiOut, knownLength)
	} else {
		resp = hb.ToResponse(httpresp.NewChunkingProducer(c.cgiOut), -1)
	}

	c.wheel.Cancel(c.ID()) // the whole-request deadline's job is done; WRITE arms its own
	c.queueResponse(resp, false)
	return c.phase != PhaseClosed
}

func cgiContentLength(headers map[string][]string) int64 {
	for name, values := range headers {
		if strings.EqualFold(name, "Content-Length") && len(values) > 0 {
			if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

// finishCGIOutput handles the child closing its stdout: reap the process
// and either fail the request (no header block ever completed) or mark
// the response's byte queue done so the write phase can drain the last of
// it and finish.
func (c *Connection) finishCGIOutput() {
	proc := c.cgiProc
	if proc == nil {
		return
	}
	c.reactor.Deregister(proc.StdoutFD())
	if !c.cgiStdinDone {
		c.reactor.Deregister(proc.StdinFD())
		c.cgiStdinDone = true
	}
	proc.Wait()
	c.cgiProc = nil

	if !c.cgiHeaderDone {
		c.queueResponse(errorResponse(c.decision.VHost, 502, ""), true)
		return
	}
	c.cgiOut.Close(nil)
	c.pumpWrite()
}

// abortCGI kills the child outright: the timeout path, plus any other
// mid-flight CGI failure (a pipe write error, a header block too large to
// be sane). If no response has gone out yet, status is sent cleanly;
// otherwise the stream is already committed and the connection just
// ends.
func (c *Connection) abortCGI(status int) {
	proc := c.cgiProc
	if proc == nil {
		c.Close()
		return
	}
	c.reactor.Deregister(proc.StdinFD())
	c.reactor.Deregister(proc.StdoutFD())
	proc.Kill()
	proc.Wait()
	c.cgiProc = nil

	if !c.cgiHeaderDone {
		c.queueResponse(errorResponse(c.decision.VHost, status, ""), true)
		return
	}
	c.Close()
}

// timeoutCGI is OnTimeout's ReasonWholeRequest branch: the child never
// produced a complete header block within the CGI deadline.
func (c *Connection) timeoutCGI() {
	c.abortCGI(504)
}
