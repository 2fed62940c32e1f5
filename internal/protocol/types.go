// Package protocol defines the message envelope exchanged between the
// runtime and a child process over framed pipes (see internal/framing).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PingCommand is the reserved command every child must implement; the
// worker's health probe (internal/workerproc) sends it on a fixed interval.
const PingCommand = "ping"

// Request is a single call dispatched to a child. ID is assigned by the
// owning worker and is unique for that worker's lifetime (spec: "Request").
type Request struct {
	ID      uint64         `json:"id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

// Response is a child's reply to a Request with a matching ID.
type Response struct {
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError carries a command-level failure reported by a child. It is
// never fatal to the worker (see internal/workerproc's failure semantics) —
// a malformed frame or mismatched ID is what makes a failure fatal.
type ResponseError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *ResponseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

// NewRequest builds a Request with the given command and args.
func NewRequest(id uint64, command string, args map[string]any) *Request {
	if args == nil {
		args = map[string]any{}
	}
	return &Request{ID: id, Command: command, Args: args}
}

// NewResponse builds a successful Response, marshaling result into its Result field.
func NewResponse(id uint64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal result: %w", err)
	}
	return &Response{ID: id, Success: true, Result: raw}, nil
}

// NewErrorResponse builds a failed Response carrying the given error.
func NewErrorResponse(id uint64, kind string, err error) *Response {
	return &Response{
		ID:      id,
		Success: false,
		Error:   &ResponseError{Message: err.Error(), Kind: kind},
	}
}

// Marshal serializes the request using the default JSON encoding. Workers
// normally go through a protocol.Codec (see codec.go) instead, since the
// wire encoding is pluggable per spec; Marshal/Unmarshal always use
// encoding/json and are used by tests and the fakechild test helper.
func (r *Request) Marshal() ([]byte, error) { return json.Marshal(r) }

// Unmarshal deserializes a request previously produced by Marshal.
func (r *Request) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }

// Marshal serializes the response using the default JSON encoding.
func (r *Response) Marshal() ([]byte, error) { return json.Marshal(r) }

// Unmarshal deserializes a response previously produced by Marshal.
func (r *Response) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }

// UnmarshalResult decodes the response's Result field into v.
func (r *Response) UnmarshalResult(v any) error {
	if r.Result == nil {
		return errors.New("protocol: response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// Err returns the response's error as a Go error, or nil on success.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return errors.New("protocol: unknown error")
	}
	return r.Error
}

// IsPong reports whether result looks like the reserved ping reply shape
// {"status":"ok", ...}.
func IsPong(result json.RawMessage) bool {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return false
	}
	return probe.Status == "ok"
}
