package cache

import (
	"fmt"
	"os"
)

// Codec serializes a structured value to and from the byte form the Cache
// Client stores under a normalized key. PutStructured/GetStructured are the
// only Client methods that touch a Codec; PutString/GetString bypass it
// entirely and store caller-supplied bytes verbatim.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// CodecType names a codec selectable via NewCodec.
type CodecType string

const (
	CodecJSON        CodecType = "json"
	CodecMessagePack CodecType = "msgpack"
)

// JSONCodecVariant reports which JSON implementation JSONCodec is compiled
// against. The implementation itself is fixed at build time by a json_goccy
// or json_segmentio build tag (stdlib encoding/json otherwise); OSRF_JSON_CODEC
// only overrides what this function reports to a log line, for deployments
// that want the active variant visible without inspecting the binary.
func JSONCodecVariant() string {
	if v := os.Getenv("OSRF_JSON_CODEC"); v != "" {
		return v
	}
	return (&JSONCodec{}).Name()
}

// NewCodec constructs the codec a cached value should be serialized with.
func NewCodec(t CodecType) (Codec, error) {
	switch t {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown codec type %q", t)
	}
}
