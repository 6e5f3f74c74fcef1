package cgi

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/mmahmood233/localhost/internal/httpresp"
)

// HeaderBlock is the CGI response preamble (RFC 3875 §6.3): a set of
// header lines terminated by a blank line, before the document body.
type HeaderBlock struct {
	Status      int
	Reason      string
	ContentType string
	Headers     map[string][]string
}

// SplitHeaderBlock looks for the blank line terminating a CGI header
// block. Scripts commonly emit bare "\n\n" instead of "\r\n\r\n", so both
// are accepted — same leniency the chunked-trailer parsing applies.
func SplitHeaderBlock(buf []byte) (headerPart, bodyPart []byte, complete bool) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i != -1 {
		return buf[:i], buf[i+4:], true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i != -1 {
		return buf[:i], buf[i+2:], true
	}
	return nil, nil, false
}

// ParseHeaderBlock parses the header lines a CGI script prints before its
// body. A missing Content-Type is a hard error, treated as a bad-gateway
// condition (502), same as an interpreter exiting before writing any
// headers at all.
func ParseHeaderBlock(headerPart []byte) (*HeaderBlock, error) {
	hb := &HeaderBlock{Status: 200, Reason: "OK", Headers: make(map[string][]string)}

	for _, raw := range strings.Split(string(headerPart), "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i == -1 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])

		switch strings.ToLower(name) {
		case "status":
			code, reason := parseStatusValue(value)
			hb.Status = code
			hb.Reason = reason
		case "content-type":
			hb.ContentType = value
		default:
			hb.Headers[name] = append(hb.Headers[name], value)
		}
	}

	if hb.ContentType == "" {
		return nil, errMissingContentType
	}
	return hb, nil
}

var errMissingContentType = &headerError{"cgi: script omitted Content-Type"}

type headerError struct{ msg string }

func (e *headerError) Error() string { return e.msg }

func parseStatusValue(value string) (int, string) {
	parts := strings.SplitN(value, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 200, "OK"
	}
	reason := "OK"
	if len(parts) == 2 {
		reason = parts[1]
	}
	return code, reason
}

// ToResponse attaches the CGI header block and the body source (already
// produced, or still streaming from the child) onto an httpresp.Response.
func (hb *HeaderBlock) ToResponse(body httpresp.Producer, knownLength int64) *httpresp.Response {
	resp := httpresp.New(hb.Status)
	resp.Reason = hb.Reason
	resp.SetHeader("Content-Type", hb.ContentType)
	for name, values := range hb.Headers {
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	if knownLength >= 0 {
		resp.SetBodyFile(body, knownLength)
	} else {
		resp.SetBodyStreaming(body)
	}
	return resp
}
