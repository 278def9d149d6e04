package cache

import "github.com/vmihailenco/msgpack/v5"

// MessagePackCodec stores cache values as MessagePack, for entries where
// the encoded size matters more than being able to read a raw cache dump.
type MessagePackCodec struct{}

func (c *MessagePackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (c *MessagePackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (c *MessagePackCodec) Name() string                       { return "msgpack" }
