//go:build json_goccy

package protocol

import "github.com/goccy/go-json"

// JSONCodec implements Codec using goccy/go-json for lower-allocation
// encoding on the hot request/response path.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *JSONCodec) Name() string { return "json-goccy" }
