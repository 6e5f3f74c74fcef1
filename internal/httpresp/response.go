// Package httpresp assembles HTTP/1.1 responses: a status line, a header
// map, and one of several body representations, any of which can be
// pulled a few bytes at a time so the connection state machine never
// blocks filling its write buffer.
//
// Shaped after server/protocol/builder.go (BuildResp/IntToBuf zero-alloc
// status-line + header framing) and dbldqt-httpImp/httpd/writer.go
// (chunkWriter's hex-length chunk framing for bodies of unknown length).
package httpresp

import (
	"strconv"
	"time"

	"github.com/mmahmood233/localhost/internal/httpparse"
)

// BodyKind tags which body representation a Response carries.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyOwned
	BodyFile
	BodyStreaming
)

// Producer yields body bytes a chunk at a time. Next writes into dst and
// returns how many bytes it wrote; eof is true once there is nothing more
// to produce (dst may still have been partially filled in the same call).
type Producer interface {
	Next(dst []byte) (n int, eof bool, err error)
}

// Response is an outgoing response being assembled for one request.
type Response struct {
	Status  int
	Reason  string // overrides the table lookup when non-empty
	Headers *httpparse.Header

	BodyKind BodyKind
	owned    []byte
	producer Producer

	// Chunked is true once Finalize decides the body must be framed with
	// Transfer-Encoding: chunked (length unknown in advance).
	Chunked bool
	// bodyLen is the Content-Length value when the length is known.
	bodyLen int64

	// closeConn is the "Connection: close" decision; the state machine
	// acts on it after the last byte is sent.
	closeConn bool
}

func New(status int) *Response {
	return &Response{Status: status, Headers: httpparse.NewHeader()}
}

func (r *Response) SetHeader(name, value string) {
	r.Headers.Set(name, value)
}

// SetBodyBytes attaches a fully-in-memory body of known length.
func (r *Response) SetBodyBytes(b []byte) {
	r.BodyKind = BodyOwned
	r.owned = b
	r.bodyLen = int64(len(b))
}

// SetBodyFile attaches a body of known length streamed from a Producer
// wrapping an open file, so we never buffer the whole thing in memory.
func (r *Response) SetBodyFile(p Producer, size int64) {
	r.BodyKind = BodyFile
	r.producer = p
	r.bodyLen = size
}

// SetBodyStreaming attaches a body whose length is not known in advance
// (e.g. CGI output without a Content-Length, which ends up chunked).
func (r *Response) SetBodyStreaming(p Producer) {
	r.BodyKind = BodyStreaming
	r.producer = p
}

// CloseAfter reports whether the connection must close once this response
// has been fully written.
func (r *Response) CloseAfter() bool { return r.closeConn }

// Finalize fills in the mandatory headers (Date, Server, exactly one of
// Content-Length/Transfer-Encoding) and decides the Connection header /
// close behavior. forceClose lets the caller say the
// connection is going away regardless of keep-alive (a parser failure, a
// body too large, a timed-out read) so the advertised Connection header
// never lies about what actually happens to the socket. It must be
// called exactly once, after the body source is attached and before the
// header block is serialized.
func (r *Response) Finalize(version httpparse.Version, clientKeepAlive bool, head bool, serverTag string, now time.Time, forceClose bool) {
	if _, ok := r.Headers.Get("Date"); !ok {
		r.SetHeader("Date", now.UTC().Format(imfFixdate))
	}
	if _, ok := r.Headers.Get("Server"); !ok {
		r.SetHeader("Server", serverTag)
	}

	if _, hasCL := r.Headers.Get("Content-Length"); !hasCL {
		if _, hasTE := r.Headers.Get("Transfer-Encoding"); !hasTE {
			switch r.BodyKind {
			case BodyStreaming:
				r.Chunked = true
				r.SetHeader("Transfer-Encoding", "chunked")
			default:
				r.SetHeader("Content-Length", strconv.FormatInt(r.bodyLen, 10))
			}
		}
	}

	closeConn := forceClose || !clientKeepAlive || !version.AtLeast11() || r.Status >= 500
	if v, ok := r.Headers.Get("Connection"); ok && v == "close" {
		closeConn = true
	}
	r.closeConn = closeConn
	if closeConn {
		r.SetHeader("Connection", "close")
	} else {
		r.SetHeader("Connection", "keep-alive")
	}

	if head {
		r.BodyKind = BodyNone
	}
}

// imfFixdate is the RFC 7231 IMF-fixdate layout.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// HeaderBlock serializes the status line and header map. Shaped like
// BuildResp's copy-into-dst approach but sized dynamically since the
// header set here is unbounded (vhost-configured error pages,
// CGI-forwarded headers, …) instead of a fixed array.
func (r *Response) HeaderBlock() []byte {
	reason := r.Reason
	if reason == "" {
		reason = ReasonPhrase(r.Status)
	}

	size := len("HTTP/1.1 ") + 3 + 1 + len(reason) + 2
	r.Headers.Range(func(name, value string) {
		size += len(name) + 2 + len(value) + 2
	})
	size += 2

	out := make([]byte, 0, size)
	out = append(out, "HTTP/1.1 "...)
	out = append(out, strconv.Itoa(r.Status)...)
	out = append(out, ' ')
	out = append(out, reason...)
	out = append(out, '\r', '\n')
	r.Headers.Range(func(name, value string) {
		out = append(out, name...)
		out = append(out, ':', ' ')
		out = append(out, value...)
		out = append(out, '\r', '\n')
	})
	out = append(out, '\r', '\n')
	return out
}

// BodyProducer returns the Producer attached by SetBodyFile or
// SetBodyStreaming, for the connection state machine to pull from during
// PRODUCE, or nil when neither was called (owned bytes are small enough
// that the caller can just use OwnedBody). A HEAD response keeps its
// producer even though Finalize sets BodyKind to BodyNone.
func (r *Response) BodyProducer() Producer { return r.producer }

func (r *Response) OwnedBody() []byte { return r.owned }
