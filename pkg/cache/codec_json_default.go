//go:build !json_goccy && !json_segmentio

package cache

import "encoding/json"

// JSONCodec stores cache values as plain JSON using the standard library,
// the default when neither the json_goccy nor json_segmentio build tag is
// set.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (c *JSONCodec) Name() string                       { return "json-stdlib" }
