package backend

import "encoding/json"

// JSONCodec encodes payloads as JSON. Useful when the remote worker is
// easier to debug with a human-readable payload.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
