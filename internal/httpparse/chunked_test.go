package httpparse

import "testing"

func TestChunkedDecoderRoundTrip(t *testing.T) {
	raw := []byte("5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	d := NewChunkedDecoder()

	var out []byte
	consumedTotal := 0
	for consumedTotal < len(raw) && !d.Done() {
		var consumed int
		var perr *ProtocolError
		out, consumed, perr = d.Feed(raw[consumedTotal:], out)
		if perr != nil {
			t.Fatalf("decode error: %v", perr)
		}
		if consumed == 0 {
			break
		}
		consumedTotal += consumed
	}

	if !d.Done() {
		t.Fatalf("decoder did not reach DONE, consumed %d/%d", consumedTotal, len(raw))
	}
	if string(out) != "hello world" {
		t.Fatalf("decoded = %q, want %q", out, "hello world")
	}
}

func TestChunkedDecoderFeedSplitIdempotence(t *testing.T) {
	raw := []byte("5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")

	for split := 0; split <= len(raw); split++ {
		d := NewChunkedDecoder()
		var out []byte
		for _, part := range [][]byte{raw[:split], raw[split:]} {
			off := 0
			for off < len(part) {
				var consumed int
				var perr *ProtocolError
				out, consumed, perr = d.Feed(part[off:], out)
				if perr != nil {
					t.Fatalf("split=%d: decode error: %v", split, perr)
				}
				if consumed == 0 {
					break
				}
				off += consumed
			}
		}
		if string(out) != "hello world" {
			t.Fatalf("split=%d: decoded = %q, want %q", split, out, "hello world")
		}
	}
}

func TestChunkedDecoderRejectsMalformedSize(t *testing.T) {
	d := NewChunkedDecoder()
	_, _, perr := d.Feed([]byte("zz\r\nhello\r\n"), nil)
	if perr == nil || perr.Status != 400 {
		t.Fatalf("expected 400, got %v", perr)
	}
}

func TestChunkedDecoderSkipsTrailers(t *testing.T) {
	raw := []byte("3\r\nfoo\r\n0\r\nX-Trailer: ignored\r\n\r\n")
	d := NewChunkedDecoder()
	var out []byte
	off := 0
	for off < len(raw) {
		var consumed int
		var perr *ProtocolError
		out, consumed, perr = d.Feed(raw[off:], out)
		if perr != nil {
			t.Fatalf("decode error: %v", perr)
		}
		if consumed == 0 {
			break
		}
		off += consumed
	}
	if !d.Done() {
		t.Fatalf("expected decoder done")
	}
	if string(out) != "foo" {
		t.Fatalf("decoded = %q, want %q", out, "foo")
	}
}

func TestEncodeChunkAndFinal(t *testing.T) {
	got := EncodeChunk([]byte("hello world"))
	want := "b\r\nhello world\r\n"
	if string(got) != want {
		t.Fatalf("EncodeChunk = %q, want %q", got, want)
	}
	if string(EncodeFinalChunk()) != "0\r\n\r\n" {
		t.Fatalf("EncodeFinalChunk = %q", EncodeFinalChunk())
	}
}

func TestEncodeThenDecodeRoundTrip(t *testing.T) {
	pieces := [][]byte{[]byte("hello"), []byte(" "), []byte("world")}
	var encoded []byte
	for _, p := range pieces {
		encoded = append(encoded, EncodeChunk(p)...)
	}
	encoded = append(encoded, EncodeFinalChunk()...)

	d := NewChunkedDecoder()
	var out []byte
	off := 0
	for off < len(encoded) {
		var consumed int
		var perr *ProtocolError
		out, consumed, perr = d.Feed(encoded[off:], out)
		if perr != nil {
			t.Fatalf("decode error: %v", perr)
		}
		if consumed == 0 {
			break
		}
		off += consumed
	}
	if string(out) != "hello world" {
		t.Fatalf("decoded = %q, want %q", out, "hello world")
	}
}
