package protocol

import (
	"fmt"
	"os"
)

// Codec defines the pluggable wire encoding for Request/Response payloads
// (spec §6: "Payload encoding is a pluggable choice").
type Codec interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec's identifier, surfaced in logs and metrics.
	Name() string
}

// CodecType names a supported wire encoding.
type CodecType string

const (
	// CodecJSON uses JSON encoding (default).
	CodecJSON CodecType = "json"
	// CodecMessagePack uses MessagePack encoding.
	CodecMessagePack CodecType = "msgpack"
)

// EnvJSONCodecOverride overrides the JSON codec name ActiveJSONCodecName
// reports, for diagnostics; the variant actually compiled in is chosen by
// build tag only.
const EnvJSONCodecOverride = "EPWR_JSON_CODEC"

// ActiveJSONCodecName returns the compile-time selected JSON codec's name,
// honoring EnvJSONCodecOverride purely for observability (it does not
// change which implementation actually runs).
func ActiveJSONCodecName() string {
	if v := os.Getenv(EnvJSONCodecOverride); v != "" {
		return v
	}
	return (&JSONCodec{}).Name()
}

// NewCodec constructs a Codec for the given type.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec type: %s", codecType)
	}
}
