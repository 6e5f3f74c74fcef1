// Package conn implements the per-connection state machine and the
// listener/acceptor: ACCEPTED -> READ_HEADERS -> READ_BODY -> DISPATCH ->
// PRODUCE -> WRITE -> CLOSED|IDLE_KEEPALIVE, all driven by readiness
// events and timeout-wheel deadlines, never blocking.
//
// shaped like workerEpoll in engine/pool.go (read-then-callback-then-rearm
// over one fd, per-connection buffer reuse) and the accept loop in
// epoll.go, but collapsed from a goroutine-per-job worker pool down to one
// cooperative loop: one Connection instance per fd, driven by direct
// method calls instead of a jobs channel.
package conn

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mmahmood233/localhost/internal/cgi"
	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/httpparse"
	"github.com/mmahmood233/localhost/internal/httpresp"
	"github.com/mmahmood233/localhost/internal/reactor"
	"github.com/mmahmood233/localhost/internal/routing"
	"github.com/mmahmood233/localhost/internal/timewheel"
)

// Phase is one node of the connection state machine.
type Phase int

const (
	PhaseReadHeaders Phase = iota
	PhaseReadBody
	PhaseDispatch
	PhaseCGIRunning
	PhaseWrite
	PhaseIdleKeepAlive
	PhaseClosed
)

const readChunkSize = 16 << 10

// Shared is the configuration every connection on a listener needs but
// does not own; the server constructs one per listener and hands the
// same pointer to every Connection it accepts.
type Shared struct {
	Listener  *config.ListenerConfig
	Limits    config.Limits
	Timeouts  config.Timeouts
	ServerTag string
}

// Connection is one accepted TCP socket and all the per-connection state
// needed to carry it through a request/response cycle and back to idle
// keep-alive.
type Connection struct {
	fd         int
	remoteAddr string
	remotePort string

	shared  *Shared
	reactor reactor.Reactor
	wheel   *timewheel.Wheel

	phase Phase

	// header-phase buffer; re-scanned in full on every read per
	// httpparse's stateless-rescan contract.
	readBuf []byte
	parser  *httpparse.Parser
	req     *httpparse.Request

	// body-phase state.
	bodyBuf          []byte
	bodyDecoder      *httpparse.ChunkedDecoder
	bodyChunkScratch []byte
	effectiveMaxBody int64
	decision         routing.Decision
	// pendingLeftover holds bytes read ahead of the current request's end
	// (a pipelining client) so they carry over into readBuf once this
	// response has been fully written.
	pendingLeftover []byte

	// write-phase state.
	resp           *httpresp.Response
	writeBuf       []byte
	writeOff       int
	bodyProducer   httpresp.Producer
	bodyExhausted  bool
	abortOnDrain   bool // close instead of reusing the connection once writeBuf drains

	// CGI sub-state, non-nil only while a CGI child is in flight.
	cgiProc       *cgi.Process
	cgiStdinBuf   []byte
	cgiStdinOff   int
	cgiStdinDone  bool
	cgiHeaderBuf  []byte
	cgiHeaderDone bool
	cgiOut        *httpresp.QueueProducer

	closed bool
}

// New wraps an accepted, already-non-blocking fd.
func New(fd int, remoteAddr, remotePort string, shared *Shared, r reactor.Reactor, w *timewheel.Wheel) *Connection {
	return &Connection{
		fd:         fd,
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		shared:     shared,
		reactor:    r,
		wheel:      w,
		phase:      PhaseReadHeaders,
		parser:     httpparse.NewParser(headerLimitsFromConfig(shared.Limits)),
	}
}

func headerLimitsFromConfig(l config.Limits) httpparse.Limits {
	return httpparse.Limits{
		MaxHeaderBytes:      l.MaxHeaderBytes,
		MaxHeaderCount:      l.MaxHeaderCount,
		MaxHeaderValueBytes: l.MaxHeaderValue,
		MaxTargetBytes:      l.MaxHeaderBytes,
	}
}

// ID is the timewheel key for this connection; the socket fd is unique
// for the connection's lifetime so it doubles as the id.
func (c *Connection) ID() int { return c.fd }

func (c *Connection) Fd() int { return c.fd }

func (c *Connection) Phase() Phase { return c.phase }

// ExtraFDs reports the non-socket fds this connection currently owns and
// wants readiness events for, so the event loop's fd->Connection registry
// can stay in sync with a CGI child's pipes coming and going.
func (c *Connection) ExtraFDs() []int {
	if c.cgiProc == nil {
		return nil
	}
	var fds []int
	if fd := c.cgiProc.StdinFD(); fd >= 0 {
		fds = append(fds, fd)
	}
	if fd := c.cgiProc.StdoutFD(); fd >= 0 {
		fds = append(fds, fd)
	}
	return fds
}

// Start registers the socket for read readiness and arms the
// read-header deadline.
func (c *Connection) Start() error {
	if err := c.reactor.Register(c.fd, reactor.Interest{Read: true}); err != nil {
		return err
	}
	c.armReadHeaderDeadline()
	return nil
}

func (c *Connection) armReadHeaderDeadline() {
	c.wheel.Set(c.ID(), time.Now().Add(c.shared.Timeouts.ReadHeader), timewheel.ReasonReadHeader)
}

// OnReadable dispatches a readable event to whichever fd it belongs to:
// the client socket, or (during CGI) the child's stdout pipe.
func (c *Connection) OnReadable(fd int) {
	if c.cgiProc != nil && fd == c.cgiProc.StdoutFD() {
		c.pumpCGIStdout()
		return
	}
	if fd != c.fd {
		return
	}
	switch c.phase {
	case PhaseReadHeaders:
		c.readIntoHeaderBuf()
	case PhaseReadBody:
		c.readIntoBodyBuf()
	default:
		// Spurious readability outside the read phases (e.g. the peer
		// sent more bytes mid-write); drain and discard, we don't
		// pipeline a second request into an in-flight response.
		c.drainSocket()
	}
}

// OnWritable dispatches a writable event to the client socket or the
// CGI child's stdin pipe.
func (c *Connection) OnWritable(fd int) {
	if c.cgiProc != nil && fd == c.cgiProc.StdinFD() {
		c.pumpCGIStdin()
		return
	}
	if fd != c.fd {
		return
	}
	if c.phase == PhaseWrite {
		c.pumpWrite()
	}
}

// OnTimeout reacts to a deadline the timewheel reports as expired.
// Dispatched by Reason rather than phase: an idle keep-alive connection
// and a connection mid-header-read are both in PhaseReadHeaders, but one
// deserves a silent close and the other a 408.
func (c *Connection) OnTimeout(reason timewheel.Reason) {
	switch reason {
	case timewheel.ReasonKeepAliveIdle:
		c.Close()
	case timewheel.ReasonReadHeader, timewheel.ReasonReadBody:
		c.failAndClose(408, "Request Timeout")
	case timewheel.ReasonWrite:
		// A write that stalls past its deadline is abandoned outright;
		// there is no well-formed response left to send.
		c.Close()
	case timewheel.ReasonWholeRequest:
		if c.phase == PhaseCGIRunning {
			c.timeoutCGI()
			return
		}
		c.Close()
	default:
		c.Close()
	}
}

func (c *Connection) drainSocket() {
	var scratch [readChunkSize]byte
	for {
		n, err := unix.Read(c.fd, scratch[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (c *Connection) readIntoHeaderBuf() {
	var scratch [readChunkSize]byte
	n, err := unix.Read(c.fd, scratch[:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		c.Close()
		return
	}
	c.readBuf = append(c.readBuf, scratch[:n]...)
	c.tryParseHeaders()
}

// tryParseHeaders runs the parser over whatever is already buffered in
// c.readBuf, without touching the socket. Used both right after a real
// read and when keep-alive reuse starts with bytes a pipelining client
// already sent ahead of the response it's waiting for: those bytes get
// buffered, not discarded, but aren't acted on until the connection is
// idle again.
func (c *Connection) tryParseHeaders() {
	result := c.parser.FeedHeaders(c.readBuf)
	if result.Err != nil {
		c.failAndClose(result.Err.Status, result.Err.Reason)
		return
	}
	if !result.Complete {
		return
	}

	c.req = result.Request
	leftover := append([]byte(nil), c.readBuf[result.Consumed:]...)
	c.readBuf = nil
	c.wheel.Cancel(c.ID())

	c.routeRequest()
	c.beginBodyPhase(leftover)
}

func (c *Connection) routeRequest() {
	vhost := routing.SelectVHost(c.shared.Listener, c.req.Host)
	c.decision = routing.Match(vhost, c.req.Method.String(), c.req.Path, c.shared.Limits.MaxBodyBytes)
	c.effectiveMaxBody = c.decision.EffectiveMaxBody
}

// beginBodyPhase feeds whatever header-trailing bytes already arrived in
// the same read into the body decoder, then either finishes (absent
// body, or a body that was already fully present) or switches to
// PhaseReadBody to wait for more.
//
// This runs the same way for every decision, including NoRouteMatched and
// MethodNotAllowed: a declared body still has to be read off the wire
// before the next request can be parsed off this socket, or the
// unconsumed bytes of "this" request's body get parsed as the start of
// the next one (and a client that controls the body can smuggle a whole
// pipelined request past a 404/405 that way). dispatch discards the body
// it never needed once it gets there.
func (c *Connection) beginBodyPhase(leftover []byte) {
	switch c.req.Framing {
	case httpparse.BodyAbsent:
		c.pendingLeftover = leftover
		c.phase = PhaseDispatch
		c.dispatch()
	case httpparse.BodyFixedLength:
		if c.req.ContentLength > c.effectiveMaxBody {
			c.failAndClose(413, "Payload Too Large")
			return
		}
		need := c.req.ContentLength - int64(len(c.bodyBuf))
		if int64(len(leftover)) >= need {
			c.bodyBuf = append(c.bodyBuf, leftover[:need]...)
			c.pendingLeftover = leftover[need:]
			c.phase = PhaseDispatch
			c.dispatch()
			return
		}
		c.bodyBuf = append(c.bodyBuf, leftover...)
		c.phase = PhaseReadBody
		c.armReadBodyDeadline()
	case httpparse.BodyChunked:
		c.bodyDecoder = httpparse.NewChunkedDecoder()
		rest, ok := c.feedChunked(leftover)
		if !ok {
			return
		}
		if c.bodyDecoder.Done() {
			c.pendingLeftover = rest
			c.phase = PhaseDispatch
			c.dispatch()
			return
		}
		c.phase = PhaseReadBody
		c.armReadBodyDeadline()
	}
}

func (c *Connection) armReadBodyDeadline() {
	c.wheel.Set(c.ID(), time.Now().Add(c.shared.Timeouts.ReadBody), timewheel.ReasonReadBody)
}

// feedChunked decodes data into c.bodyBuf, enforcing effectiveMaxBody,
// and returns whatever of data it left unconsumed (once the decoder is
// done, bytes belonging to a pipelined next request). ok is false if it
// already closed the connection due to an error; whether the body is
// complete is read from c.bodyDecoder.Done().
func (c *Connection) feedChunked(data []byte) (rest []byte, ok bool) {
	for len(data) > 0 {
		decoded, n, err := c.bodyDecoder.Feed(data, c.bodyChunkScratch[:0])
		if err != nil {
			c.failAndClose(err.Status, err.Reason)
			return nil, false
		}
		c.bodyChunkScratch = decoded
		c.bodyBuf = append(c.bodyBuf, decoded...)
		if int64(len(c.bodyBuf)) > c.effectiveMaxBody {
			c.failAndClose(413, "Payload Too Large")
			return nil, false
		}
		data = data[n:]
		if c.bodyDecoder.Done() {
			return data, true
		}
		if n == 0 {
			return data, true
		}
	}
	return data, true
}

func (c *Connection) readIntoBodyBuf() {
	var scratch [readChunkSize]byte
	n, err := unix.Read(c.fd, scratch[:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		c.Close()
		return
	}

	if c.req.Framing == httpparse.BodyChunked {
		rest, ok := c.feedChunked(scratch[:n])
		if !ok {
			return
		}
		if !c.bodyDecoder.Done() {
			return
		}
		c.pendingLeftover = rest
	} else {
		need := c.req.ContentLength - int64(len(c.bodyBuf))
		got := int64(n)
		if got < need {
			c.bodyBuf = append(c.bodyBuf, scratch[:n]...)
			if int64(len(c.bodyBuf)) > c.effectiveMaxBody {
				c.failAndClose(413, "Payload Too Large")
			}
			return
		}
		c.bodyBuf = append(c.bodyBuf, scratch[:need]...)
		c.pendingLeftover = append([]byte(nil), scratch[need:n]...)
	}

	c.wheel.Cancel(c.ID())
	c.phase = PhaseDispatch
	c.dispatch()
}

// failAndClose sends a best-effort error response (no custom vhost error
// page lookup, since routing may not have happened yet) and closes once
// it is flushed.
func (c *Connection) failAndClose(status int, reason string) {
	resp := plainStatusResponse(status, reason)
	c.queueResponse(resp, true)
}

func (c *Connection) queueResponse(resp *httpresp.Response, closeAfter bool) {
	version := httpparse.Version{Major: 1, Minor: 1}
	keepAlive := false
	head := false
	if c.req != nil {
		version = c.req.Version
		keepAlive = c.req.KeepAlive
		head = c.req.Method == httpparse.MethodHead
	}
	resp.Finalize(version, keepAlive, head, c.shared.ServerTag, time.Now(), closeAfter)

	c.resp = resp
	c.writeBuf = resp.HeaderBlock()
	c.writeOff = 0
	c.abortOnDrain = closeAfter || resp.CloseAfter()
	c.bodyExhausted = false

	switch resp.BodyKind {
	case httpresp.BodyOwned:
		c.writeBuf = append(c.writeBuf, resp.OwnedBody()...)
		c.bodyExhausted = true
	case httpresp.BodyFile, httpresp.BodyStreaming:
		c.bodyProducer = resp.BodyProducer()
		// PRODUCE: top up the write buffer behind the header block so the
		// first write already carries the start of the body.
		c.fillWriteBuf()
		if c.phase == PhaseClosed {
			return
		}
	default:
		c.bodyExhausted = true
	}

	c.phase = PhaseWrite
	c.wheel.Set(c.ID(), time.Now().Add(c.shared.Timeouts.Write), timewheel.ReasonWrite)
	if err := c.reactor.Modify(c.fd, reactor.Interest{Write: true}); err != nil {
		c.Close()
		return
	}
	c.pumpWrite()
}

// pumpWrite issues at most one unix.Write per call — the reactor is
// level-triggered, so one readiness event earns exactly one syscall, never
// a drain-to-EAGAIN loop. If writeBuf has run dry it's topped up from
// bodyProducer first (an in-memory call, not a socket op) before that one
// write goes out. Returns after the write so the caller waits for the
// next writable event to make further progress.
func (c *Connection) pumpWrite() {
	if c.writeOff >= len(c.writeBuf) {
		c.writeBuf = c.writeBuf[:0]
		c.writeOff = 0
		if !c.bodyExhausted {
			c.fillWriteBuf()
			if c.phase == PhaseClosed {
				return
			}
		}
		if len(c.writeBuf) == 0 {
			if c.bodyExhausted {
				c.finishWrite()
			}
			// else: producer has nothing ready yet (e.g. CGI hasn't
			// written more); wait for the next nudge (pumpCGIStdout
			// re-invokes pumpWrite once it pushes fresh bytes).
			return
		}
	}

	n, err := unix.Write(c.fd, c.writeBuf[c.writeOff:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		c.Close()
		return
	}
	c.writeOff += n
	if c.writeOff >= len(c.writeBuf) && c.bodyExhausted {
		c.finishWrite()
	}
}

// fillWriteBuf pulls one chunk from bodyProducer into writeBuf. Pure
// in-memory/producer work, no socket syscall.
func (c *Connection) fillWriteBuf() {
	if c.bodyProducer == nil {
		c.bodyExhausted = true
		return
	}
	chunk := make([]byte, 32<<10)
	n, eof, err := c.bodyProducer.Next(chunk)
	if err != nil {
		c.Close()
		return
	}
	c.writeBuf = append(c.writeBuf, chunk[:n]...)
	if eof {
		c.bodyExhausted = true
	}
}

func (c *Connection) finishWrite() {
	c.wheel.Cancel(c.ID())
	if c.abortOnDrain {
		c.Close()
		return
	}
	c.resetForKeepAlive()
}

func (c *Connection) resetForKeepAlive() {
	leftover := c.pendingLeftover

	c.req = nil
	c.resp = nil
	c.writeBuf = nil
	c.writeOff = 0
	c.bodyProducer = nil
	c.bodyBuf = nil
	c.bodyDecoder = nil
	c.decision = routing.Decision{}
	c.pendingLeftover = nil
	c.cgiProc = nil
	c.cgiStdinBuf = nil
	c.cgiHeaderBuf = nil
	c.cgiHeaderDone = false
	c.cgiOut = nil

	if err := c.reactor.Modify(c.fd, reactor.Interest{Read: true}); err != nil {
		c.Close()
		return
	}

	c.phase = PhaseReadHeaders
	c.readBuf = leftover
	if len(leftover) > 0 {
		// A pipelining client already sent the next request; parse it
		// now instead of waiting for another readiness event that may
		// never come.
		c.tryParseHeaders()
		if c.phase != PhaseReadHeaders {
			return
		}
	}
	c.wheel.Set(c.ID(), time.Now().Add(c.shared.Timeouts.KeepAliveIdle), timewheel.ReasonKeepAliveIdle)
}

// Close tears down the connection: deregister every fd it owns, kill any
// live CGI child, and close the socket.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.phase = PhaseClosed
	c.wheel.Cancel(c.ID())

	if c.cgiProc != nil {
		c.reactor.Deregister(c.cgiProc.StdinFD())
		c.reactor.Deregister(c.cgiProc.StdoutFD())
		c.cgiProc.Kill()
		c.cgiProc.Wait()
	}
	c.reactor.Deregister(c.fd)
	unix.Close(c.fd)
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn(fd=%d peer=%s:%s phase=%d)", c.fd, c.remoteAddr, c.remotePort, c.phase)
}
