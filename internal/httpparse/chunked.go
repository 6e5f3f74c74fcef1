package httpparse

import "strconv"

// chunkState is the decoder's little state machine.
type chunkState int

const (
	stateSize chunkState = iota
	stateSizeCR
	stateExt
	stateData
	stateDataCR
	stateTrailer
	stateDone
)

// ChunkedDecoder is incremental: unlike the header parser it keeps state
// between Feed calls, since re-scanning an entire in-progress body from
// byte zero every readiness event would defeat the point of streaming.
// Grounded on dbldqt-httpImp/httpd/reader.go's chunkReader, generalized
// from a blocking bufio.Reader consumer to a
// Feed(data, out)->(out, consumed, err) call compatible with the
// non-blocking connection state machine.
type ChunkedDecoder struct {
	state      chunkState
	size       uint64 // bytes remaining in the current data chunk
	sizeDigits int    // hex digits seen so far in the current size token
	done       bool
}

func NewChunkedDecoder() *ChunkedDecoder {
	return &ChunkedDecoder{state: stateSize}
}

// Done reports whether the terminating zero-size chunk and its trailer
// section have both been consumed.
func (d *ChunkedDecoder) Done() bool { return d.done }

// Feed consumes as much of data as forms complete chunk framing, appending
// decoded payload bytes to out (out may be nil) and returning the updated
// slice, how many input bytes were consumed, and any protocol error.
func (d *ChunkedDecoder) Feed(data []byte, out []byte) ([]byte, int, *ProtocolError) {
	i := 0
	for i < len(data) {
		b := data[i]
		switch d.state {
		case stateSize:
			switch {
			case isHex(b):
				d.sizeDigits++
				if d.sizeDigits > 16 {
					return out, i, newProtocolError(400, "chunk size too long")
				}
				d.size = d.size*16 + uint64(hexVal(b))
				i++
			case b == ';':
				d.state = stateExt
				i++
			case b == '\r':
				d.state = stateSizeCR
				i++
			default:
				return out, i, newProtocolError(400, "malformed chunk size")
			}
		case stateExt:
			if b == '\r' {
				d.state = stateSizeCR
			}
			i++
		case stateSizeCR:
			if b != '\n' {
				return out, i, newProtocolError(400, "malformed chunk size line")
			}
			i++
			d.sizeDigits = 0
			if d.size == 0 {
				d.state = stateTrailer
			} else {
				d.state = stateData
			}
		case stateData:
			n := len(data) - i
			if uint64(n) > d.size {
				n = int(d.size)
			}
			out = append(out, data[i:i+n]...)
			i += n
			d.size -= uint64(n)
			if d.size == 0 {
				d.state = stateDataCR
			}
		case stateDataCR:
			// expect "\r\n" after the chunk data.
			if b != '\r' && b != '\n' {
				return out, i, newProtocolError(400, "malformed chunk terminator")
			}
			i++
			if b == '\n' {
				d.state = stateSize
			}
		case stateTrailer:
			// trailers are accepted but thrown away; scan to the blank
			// line that ends the trailer section.
			nl := indexByteFrom(data, i, '\n')
			if nl == -1 {
				return out, len(data), nil
			}
			lineStart := i
			i = nl + 1
			line := data[lineStart:nl]
			if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
				d.state = stateDone
				d.done = true
			}
		case stateDone:
			return out, i, nil
		}
	}
	return out, i, nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	default:
		return int(b-'A') + 10
	}
}

func indexByteFrom(data []byte, from int, c byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == c {
			return i
		}
	}
	return -1
}

// EncodeChunk frames a non-empty response body piece for
// Transfer-Encoding: chunked.
func EncodeChunk(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	size := strconv.FormatUint(uint64(len(data)), 16)
	out := make([]byte, 0, len(size)+2+len(data)+2)
	out = append(out, size...)
	out = append(out, '\r', '\n')
	out = append(out, data...)
	out = append(out, '\r', '\n')
	return out
}

// EncodeFinalChunk is the zero-size terminator with no trailers.
func EncodeFinalChunk() []byte {
	return []byte("0\r\n\r\n")
}
