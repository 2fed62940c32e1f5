package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/YuminosukeSato/epwr/internal/protocol"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name string
		req  *protocol.Request
	}{
		{
			name: "simple request",
			req:  protocol.NewRequest(1, "echo", map[string]any{"message": "hello"}),
		},
		{
			name: "empty args request",
			req:  protocol.NewRequest(2, "ping", nil),
		},
		{
			name: "large args request",
			req:  protocol.NewRequest(3, "process", map[string]any{"data": strings.Repeat("x", 1<<20)}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			data, err := tt.req.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal request: %v", err)
			}

			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}

			written := buf.Bytes()
			if len(written) < LengthPrefixSize {
				t.Fatal("frame too short")
			}

			length := binary.BigEndian.Uint32(written[:LengthPrefixSize])
			if int(length) != len(data) {
				t.Errorf("length mismatch: header=%d, actual=%d", length, len(data))
			}

			payload := written[LengthPrefixSize:]
			if !bytes.Equal(payload, data) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name string
		resp *protocol.Response
	}{
		{
			name: "simple response",
			resp: &protocol.Response{ID: 1, Success: true, Result: []byte(`{"result":"success"}`)},
		},
		{
			name: "error response",
			resp: protocol.NewErrorResponse(2, "child_error", errExampleFailure),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.resp.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal response: %v", err)
			}

			var buf bytes.Buffer
			framer := NewFramer(&buf)
			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}

			if !bytes.Equal(msg, data) {
				t.Error("read message doesn't match original")
			}

			var resp protocol.Response
			if err := resp.Unmarshal(msg); err != nil {
				t.Errorf("failed to unmarshal response: %v", err)
			}
			if resp.ID != tt.resp.ID {
				t.Errorf("ID mismatch: got=%d, want=%d", resp.ID, tt.resp.ID)
			}
		})
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	if err := framer.WriteMessage(largeData); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestFramer_ReadMessage_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], 1<<20)
	buf.Write(lengthBuf[:])

	framer := NewFramerWithMaxSize(&buf, 10)
	if _, err := framer.ReadMessage(); err == nil {
		t.Error("expected error for frame exceeding max size")
	}
}

func TestFramer_PartialRead(t *testing.T) {
	req := protocol.NewRequest(1, "test", map[string]any{"test": true})
	data, _ := req.Marshal()

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	_ = framer.WriteMessage(data)

	fullData := fullBuf.Bytes()
	pr := &partialReader{data: fullData, chunkSize: 10}

	readFramer := NewFramer(pr)
	msg, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(msg, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

func TestFramer_ReadMessage_EOF(t *testing.T) {
	var buf bytes.Buffer
	framer := NewFramer(&buf)
	if _, err := framer.ReadMessage(); err != io.EOF {
		t.Errorf("ReadMessage() on empty reader = %v, want io.EOF", err)
	}
}

var errExampleFailure = errExample("something went wrong")

type errExample string

func (e errExample) Error() string { return string(e) }

// partialReader simulates reading data in small chunks to exercise
// ReadMessage's io.ReadFull resumption.
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}
