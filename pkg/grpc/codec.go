package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype the Router service is spoken in
// (application/grpc+json). Health checks keep the default proto codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// frameOverhead leaves room for the JSON field names around a byte field
const frameOverhead = 256

// PayloadCapacity returns the largest byte slice that still fits a message
// of msgSize once the JSON codec base64-encodes it.
func PayloadCapacity(msgSize int) int {
	n := (msgSize - frameOverhead) / 4 * 3
	if n < 0 {
		return 0
	}
	return n
}
