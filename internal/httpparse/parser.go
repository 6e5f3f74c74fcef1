// Package httpparse is the incremental HTTP/1.1 request-line/header
// parser, plus the chunked transfer-coding codec.
//
// The header phase is shaped after server/protocol/parser.go: a stateless
// scan that is safe to re-run over a growing buffer slice each time more
// bytes arrive, reporting "need more" rather than buffering internal
// state.
// Once headers are complete, the body is handed off to ChunkedDecoder (for
// chunked framing) or read by plain byte count (for Content-Length), both
// of which *do* keep incremental state, since re-scanning a multi-megabyte
// body from byte zero on every read event would be wasteful.
package httpparse

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Limits bounds what the header phase will buffer before giving up.
type Limits struct {
	MaxHeaderBytes      int // total bytes across request-line + headers
	MaxHeaderCount      int
	MaxHeaderValueBytes int
	MaxTargetBytes      int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:      8 << 10,
		MaxHeaderCount:      100,
		MaxHeaderValueBytes: 8 << 10,
		MaxTargetBytes:      8 << 10,
	}
}

// HeaderResult is what FeedHeaders reports for one Feed call.
type HeaderResult struct {
	// Complete is true once a full request-line + header block was
	// parsed; Request and Consumed are then valid. Complete is false and
	// Err is nil when the caller just needs to feed more bytes.
	Complete bool
	Request  *Request
	Err      *ProtocolError
	// Consumed is how many leading bytes of the fed slice the request
	// line + headers occupied; the caller drops exactly this many bytes
	// before the body phase begins.
	Consumed int
}

// Parser is stateless across calls: FeedHeaders re-scans the full buffer
// it is given every time, so it doesn't matter how the bytes got split
// across reads.
type Parser struct {
	limits Limits
}

func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits}
}

// FeedHeaders attempts to parse a complete request-line + header block
// from the front of buf. It never consumes partial data: Consumed is 0
// unless Complete is true.
func (p *Parser) FeedHeaders(buf []byte) HeaderResult {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end == -1 {
		if len(buf) > p.limits.MaxHeaderBytes {
			return HeaderResult{Err: newProtocolError(431, "request header fields too large")}
		}
		return HeaderResult{}
	}
	headerBlockLen := end + 4
	if headerBlockLen > p.limits.MaxHeaderBytes {
		return HeaderResult{Err: newProtocolError(431, "request header fields too large")}
	}

	req, perr := p.parseBlock(buf[:end])
	if perr != nil {
		return HeaderResult{Err: perr}
	}
	return HeaderResult{Complete: true, Request: req, Consumed: headerBlockLen}
}

// parseBlock parses everything up to (excluding) the terminating CRLFCRLF.
func (p *Parser) parseBlock(block []byte) (*Request, *ProtocolError) {
	lineEnd := bytes.IndexByte(block, '\n')
	if lineEnd == -1 {
		lineEnd = len(block)
	}
	reqLine := block[:lineEnd]
	if len(reqLine) > 0 && reqLine[len(reqLine)-1] == '\r' {
		reqLine = reqLine[:len(reqLine)-1]
	} else if lineEnd < len(block) {
		// a bare LF not preceded by CR inside the request-line is malformed.
		return nil, newProtocolError(400, "bad line ending")
	}

	req, perr := p.parseRequestLine(string(reqLine))
	if perr != nil {
		return nil, perr
	}

	rest := block[min(lineEnd+1, len(block)):]
	if perr := p.parseHeaders(rest, req); perr != nil {
		return nil, perr
	}

	if req.Version.AtLeast11() {
		if req.Host == "" {
			return nil, newProtocolError(400, "missing Host header")
		}
	}

	if perr := decideFraming(req); perr != nil {
		return nil, perr
	}
	decideKeepAlive(req)

	return req, nil
}

func (p *Parser) parseRequestLine(line string) (*Request, *ProtocolError) {
	if len(line) > p.limits.MaxTargetBytes {
		return nil, newProtocolError(414, "request-target too long")
	}

	sp1 := strings.IndexByte(line, ' ')
	if sp1 == -1 {
		return nil, newProtocolError(400, "malformed request line")
	}
	methodTok := line[:sp1]
	remainder := line[sp1+1:]

	sp2 := strings.IndexByte(remainder, ' ')
	if sp2 == -1 {
		return nil, newProtocolError(400, "malformed request line")
	}
	target := remainder[:sp2]
	proto := remainder[sp2+1:]

	if methodTok == "" || !httpguts.ValidHeaderFieldName(methodTok) {
		return nil, newProtocolError(400, "malformed method token")
	}

	major, minor, perr := parseHTTPVersion(proto)
	if perr != nil {
		return nil, perr
	}
	if major != 1 {
		return nil, newProtocolError(505, "unsupported HTTP version")
	}

	if target == "" || target[0] != '/' {
		return nil, newProtocolError(400, "malformed request-target")
	}
	if len(target) > p.limits.MaxTargetBytes {
		return nil, newProtocolError(414, "request-target too long")
	}

	path, query := target, ""
	if i := strings.IndexByte(target, '?'); i != -1 {
		path, query = target[:i], target[i+1:]
	}

	req := &Request{
		Method:      ParseMethod(methodTok),
		MethodToken: methodTok,
		Target:      target,
		Path:        path,
		Query:       query,
		Version:     Version{Major: major, Minor: minor},
		Headers:     NewHeader(),
	}
	if req.Method == MethodOther {
		return nil, newProtocolError(501, "unsupported method "+methodTok)
	}
	return req, nil
}

func parseHTTPVersion(proto string) (major, minor int, perr *ProtocolError) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(proto, prefix) {
		return 0, 0, newProtocolError(400, "malformed protocol")
	}
	rest := proto[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot == -1 || dot != 1 || len(rest) != 3 {
		return 0, 0, newProtocolError(400, "malformed protocol version")
	}
	maj, err1 := strconv.Atoi(rest[:1])
	min_, err2 := strconv.Atoi(rest[2:3])
	if err1 != nil || err2 != nil {
		return 0, 0, newProtocolError(400, "malformed protocol version")
	}
	return maj, min_, nil
}

func (p *Parser) parseHeaders(rest []byte, req *Request) *ProtocolError {
	hostCount := 0
	lines := bytes.Split(rest, []byte("\n"))
	for _, raw := range lines {
		line := raw
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}
		// obsolete line folding: continuation lines start with SP/TAB and
		// have no colon of their own once trimmed. reject it.
		if line[0] == ' ' || line[0] == '\t' {
			return newProtocolError(400, "obsolete line folding")
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return newProtocolError(400, "malformed header line")
		}
		name := string(line[:colon])
		if name[len(name)-1] == ' ' || name[len(name)-1] == '\t' {
			return newProtocolError(400, "whitespace before colon")
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return newProtocolError(400, "invalid header name")
		}

		value := strings.TrimSpace(string(line[colon+1:]))
		if !httpguts.ValidHeaderFieldValue(value) {
			return newProtocolError(400, "invalid header value")
		}
		if len(value) > p.limits.MaxHeaderValueBytes {
			return newProtocolError(431, "header value too large")
		}

		if strings.EqualFold(name, "Host") {
			hostCount++
			if hostCount > 1 {
				return newProtocolError(400, "duplicate Host header")
			}
			req.Host = normalizeHost(value)
		}

		req.Headers.Add(name, value)
		if req.Headers.Count() > p.limits.MaxHeaderCount {
			return newProtocolError(431, "too many headers")
		}
	}
	return nil
}

func normalizeHost(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if i := strings.LastIndexByte(v, ':'); i != -1 {
		// only strip a trailing :port, not an IPv6 literal's internal colons.
		if !strings.Contains(v[i:], "]") {
			if _, err := strconv.Atoi(v[i+1:]); err == nil {
				v = v[:i]
			}
		}
	}
	return v
}

func decideFraming(req *Request) *ProtocolError {
	te, hasTE := req.Headers.Get("Transfer-Encoding")
	cl, hasCL := req.Headers.Get("Content-Length")

	if hasTE {
		codings := strings.Split(te, ",")
		last := strings.TrimSpace(codings[len(codings)-1])
		if strings.EqualFold(last, "chunked") {
			if hasCL {
				return newProtocolError(400, "both Transfer-Encoding and Content-Length present")
			}
			req.Framing = BodyChunked
			return nil
		}
		return newProtocolError(400, "unsupported transfer coding")
	}

	if hasCL {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return newProtocolError(400, "malformed Content-Length")
		}
		req.Framing = BodyFixedLength
		req.ContentLength = n
		return nil
	}

	req.Framing = BodyAbsent
	return nil
}

func decideKeepAlive(req *Request) {
	conn, has := req.Headers.Get("Connection")
	if req.Version.AtLeast11() {
		req.KeepAlive = true
		if has && httpguts.HeaderValuesContainsToken([]string{conn}, "close") {
			req.KeepAlive = false
		}
	} else {
		req.KeepAlive = has && httpguts.HeaderValuesContainsToken([]string{conn}, "keep-alive")
	}
}
