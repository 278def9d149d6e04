//go:build json_segmentio

package cache

import "github.com/segmentio/encoding/json"

// JSONCodec stores cache values as JSON via segmentio/encoding/json,
// selected with the json_segmentio build tag as the other drop-in
// alternative to the stdlib encoder/decoder.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (c *JSONCodec) Name() string                       { return "json-segmentio" }
