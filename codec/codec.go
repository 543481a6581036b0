// Package codec serializes call envelopes into frame payloads and back.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. The agent only speaks JSON, so
// every type currently resolves to the JSON codec.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
