// Package frame implements the length-prefixed wire framing:
// a 1-byte compression flag, a big-endian u32 length, and
// the payload. The core never compresses; a non-zero flag is rejected.
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed portion of every frame: flag + length.
const HeaderSize = 1 + 4

// DefaultMaxMessageSize is the default payload cap (16 MiB).
const DefaultMaxMessageSize = 16 * 1024 * 1024

// ErrMessageTooLarge is returned (wrapped with the offending size) when a
// frame's declared length exceeds the parser's configured maximum.
type ErrMessageTooLarge struct {
	Length, Max uint32
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("frame: message too large (%d bytes, max %d)", e.Length, e.Max)
}

// ErrCompressionUnsupported is returned when a frame's flag byte is
// non-zero; the runtime never negotiates compression.
var ErrCompressionUnsupported = fmt.Errorf("frame: compressed frames are not supported")

// Encode returns the wire bytes for a single uncompressed frame carrying
// payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = 0
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Parser reassembles a byte stream into complete frames, buffering any
// trailing partial frame across Feed calls. The zero value is not usable;
// construct with NewParser.
type Parser struct {
	maxMessageSize uint32
	buf            []byte
}

// NewParser constructs a Parser with the given payload size limit. A limit
// of 0 selects DefaultMaxMessageSize.
func NewParser(maxMessageSize uint32) *Parser {
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Parser{maxMessageSize: maxMessageSize}
}

// Feed appends chunk to the parser's internal buffer and returns every
// complete frame now available, in byte order. A trailing partial frame, if
// any, is retained for the next Feed call. An error is terminal for the
// parser: once returned, the parser must not be fed further data for the
// affected stream.
func (p *Parser) Feed(chunk []byte) ([][]byte, error) {
	if len(chunk) > 0 {
		p.buf = append(p.buf, chunk...)
	}

	var frames [][]byte
	for {
		if len(p.buf) < HeaderSize {
			return frames, nil
		}
		flag := p.buf[0]
		if flag != 0 {
			return frames, ErrCompressionUnsupported
		}
		length := binary.BigEndian.Uint32(p.buf[1:5])
		if length > p.maxMessageSize {
			return frames, &ErrMessageTooLarge{Length: length, Max: p.maxMessageSize}
		}
		total := HeaderSize + int(length)
		if len(p.buf) < total {
			return frames, nil
		}
		payload := make([]byte, length)
		copy(payload, p.buf[HeaderSize:total])
		frames = append(frames, payload)

		remaining := len(p.buf) - total
		if remaining == 0 {
			p.buf = p.buf[:0]
		} else {
			copy(p.buf, p.buf[total:])
			p.buf = p.buf[:remaining]
		}
	}
}

// Pending reports how many bytes of an incomplete frame the parser is
// currently holding. Used by tests to assert reassembly buffers don't leak
// across a clean frame boundary.
func (p *Parser) Pending() int {
	return len(p.buf)
}
