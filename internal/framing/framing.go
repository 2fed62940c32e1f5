// Package framing implements the 4-byte length-prefixed framing protocol
// used for all request/response traffic between the runtime and a child
// process's stdin/stdout pipes.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize is the default maximum frame size (64 MiB).
	DefaultMaxFrameSize = 64 * 1024 * 1024

	// LengthPrefixSize is the size in bytes of the frame length header.
	LengthPrefixSize = 4
)

// Framer reads and writes length-prefixed frames over a stream. It is
// stateless beyond the buffering io.ReadFull does to resume a partial read,
// so a single Framer may be shared by one reader goroutine and one writer
// goroutine as long as writes are externally serialized.
type Framer struct {
	rw           io.ReadWriter
	maxFrameSize int
}

// NewFramer creates a framer with DefaultMaxFrameSize.
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxFrameSize)
}

// NewFramerWithMaxSize creates a framer with an explicit frame size cap.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{rw: rw, maxFrameSize: maxSize}
}

// WriteMessage writes a single frame: [4-byte big-endian length][payload].
func (f *Framer) WriteMessage(data []byte) error {
	if len(data) > f.maxFrameSize {
		return fmt.Errorf("framing: message size %d exceeds max frame size %d", len(data), f.maxFrameSize)
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := f.rw.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("framing: write length: %w", err)
	}
	if len(data) > 0 {
		if _, err := f.rw.Write(data); err != nil {
			return fmt.Errorf("framing: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads a single frame and returns its payload. A partial read
// on either the length header or the payload resumes transparently on the
// next byte available via io.ReadFull.
func (f *Framer) ReadMessage() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(f.rw, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("framing: read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > f.maxFrameSize {
		return nil, fmt.Errorf("framing: frame size %d exceeds max frame size %d", length, f.maxFrameSize)
	}

	if length == 0 {
		return []byte{}, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, fmt.Errorf("framing: read payload: %w", err)
	}
	return data, nil
}

// MaxFrameSize returns the configured frame size cap.
func (f *Framer) MaxFrameSize() int {
	return f.maxFrameSize
}
