//go:build json_goccy

package cache

import "github.com/goccy/go-json"

// JSONCodec stores cache values as JSON via goccy/go-json, selected with
// the json_goccy build tag for deployments whose cache traffic makes the
// stdlib encoder/decoder a measurable cost.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (c *JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (c *JSONCodec) Name() string                       { return "json-goccy" }
