package backend

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes payloads as MessagePack. The default codec: a
// compromise between payload size and encode/decode time.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
