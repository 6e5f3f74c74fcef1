package httpresp

import (
	"io"

	"github.com/mmahmood233/localhost/internal/httpparse"
)

// ByteProducer drains a fixed in-memory slice. Used for response bodies
// large enough that the connection wants to pull them a soft-cap-sized
// piece at a time instead of copying the whole thing into the write
// buffer up front.
type ByteProducer struct {
	data []byte
}

func NewByteProducer(data []byte) *ByteProducer { return &ByteProducer{data: data} }

func (p *ByteProducer) Next(dst []byte) (int, bool, error) {
	n := copy(dst, p.data)
	p.data = p.data[n:]
	return n, len(p.data) == 0, nil
}

// ReaderProducer adapts a blocking io.Reader (an open file) to the
// Producer interface. Disk reads on a local file are treated as
// effectively non-blocking for this server's purposes, same as every
// example that serves static files with a plain os.Open + io.Copy.
type ReaderProducer struct {
	r      io.Reader
	closer io.Closer
}

func NewReaderProducer(r io.Reader, closer io.Closer) *ReaderProducer {
	return &ReaderProducer{r: r, closer: closer}
}

func (p *ReaderProducer) Next(dst []byte) (int, bool, error) {
	n, err := p.r.Read(dst)
	if err == io.EOF {
		if p.closer != nil {
			p.closer.Close()
		}
		return n, true, nil
	}
	if err != nil {
		if p.closer != nil {
			p.closer.Close()
		}
		return n, true, err
	}
	return n, false, nil
}

// QueueProducer is a growable byte queue a producer side (the CGI bridge,
// notably) appends to while a consumer side (the connection's write phase)
// drains it. Both sides run in the same single-threaded loop, so no
// locking is needed.
type QueueProducer struct {
	buf  []byte
	off  int
	done bool
	err  error
}

func NewQueueProducer() *QueueProducer { return &QueueProducer{} }

// Push appends more bytes to the queue.
func (q *QueueProducer) Push(data []byte) {
	q.buf = append(q.buf, data...)
}

// Close marks the queue as having no more data coming, with an optional
// terminal error.
func (q *QueueProducer) Close(err error) {
	q.done = true
	q.err = err
}

func (q *QueueProducer) Pending() int { return len(q.buf) - q.off }

func (q *QueueProducer) Next(dst []byte) (int, bool, error) {
	n := copy(dst, q.buf[q.off:])
	q.off += n
	if q.off == len(q.buf) {
		q.buf, q.off = q.buf[:0], 0
	}
	eof := q.done && q.Pending() == 0
	if eof && q.err != nil {
		return n, true, q.err
	}
	return n, eof, nil
}

// ChunkingProducer wraps a raw-bytes Producer and frames everything it
// yields as HTTP chunked transfer-coding, for bodies whose length is
// unknown up front — CGI output lacking a Content-Length being the one
// case that comes up in practice.
type ChunkingProducer struct {
	inner    Producer
	trailing []byte // framed bytes not yet handed to the caller
	sentLast bool
}

func NewChunkingProducer(inner Producer) *ChunkingProducer {
	return &ChunkingProducer{inner: inner}
}

func (c *ChunkingProducer) Next(dst []byte) (int, bool, error) {
	if len(c.trailing) > 0 {
		n := copy(dst, c.trailing)
		c.trailing = c.trailing[n:]
		return n, false, nil
	}
	if c.sentLast {
		return 0, true, nil
	}

	raw := make([]byte, len(dst))
	n, eof, err := c.inner.Next(raw)
	if err != nil {
		return 0, true, err
	}

	framed := httpparse.EncodeChunk(raw[:n])
	if eof {
		framed = append(framed, httpparse.EncodeFinalChunk()...)
		c.sentLast = true
	}

	written := copy(dst, framed)
	c.trailing = framed[written:]
	return written, c.sentLast && len(c.trailing) == 0, nil
}
