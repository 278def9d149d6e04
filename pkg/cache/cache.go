// Package cache implements the Cache Client (§4.3): a thin, process-wide
// client to an external key-value cache with per-entry TTLs, used by
// workers to memoize deterministic responses.
package cache

import (
	"crypto/md5" //nolint:gosec // fidelity to the historical key-shortening scheme, not used for anything security-sensitive
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// DefaultMaxKeyLen is the historical key-length cap (250, from
// MAX_KEY_LEN in the original cache client).
const DefaultMaxKeyLen = 250

// Backend is the narrow get/set/delete-with-TTL surface the Cache Client
// needs from whatever key-value store backs it. Swapping in a real
// memcached or redis client is a matter of implementing this interface;
// Client itself never assumes a particular backend.
type Backend interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Shutdown()
}

// Policy configures cache behaviors with more than one reasonable default.
type Policy struct {
	// WriteEmptyOnExpireMiss controls SetExpire's behavior when the target
	// key is absent. Default false: SetExpire is a no-op on a miss. Set
	// true to instead write an empty sentinel value under the new TTL,
	// matching the original's literal read-(possibly nil)-modify-write.
	WriteEmptyOnExpireMiss bool
}

// Client is the process-wide Cache Client.
type Client struct {
	backend    Backend
	codec      Codec
	maxSeconds time.Duration
	maxKeyLen  int
	policy     Policy
	logger     *slog.Logger
}

// Options configures a new Client.
type Options struct {
	Backend    Backend
	Codec      Codec
	MaxSeconds time.Duration
	MaxKeyLen  int
	Policy     Policy
	Logger     *slog.Logger
}

// New constructs a Cache Client. Backend is required; a nil Codec defaults
// to JSONCodec, and MaxKeyLen defaults to DefaultMaxKeyLen when zero.
func New(opts Options) (*Client, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("cache: backend is required")
	}
	if opts.Codec == nil {
		opts.Codec = &JSONCodec{}
	}
	if opts.MaxKeyLen == 0 {
		opts.MaxKeyLen = DefaultMaxKeyLen
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		backend:    opts.Backend,
		codec:      opts.Codec,
		maxSeconds: opts.MaxSeconds,
		maxKeyLen:  opts.MaxKeyLen,
		policy:     opts.Policy,
		logger:     opts.Logger,
	}, nil
}

// normalize strips whitespace and control bytes, then shortens the result
// if it still exceeds the key-length cap, matching _clean_key in
// osrf_cache.c: the hash is computed over the *stripped* key, not the raw
// original, and the hash algorithm is MD5 for fidelity to that original.
func (c *Client) normalize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	clean := b.String()
	if len(clean) <= c.maxKeyLen {
		return clean
	}
	// An already shortened key is kept as is, so normalizing twice gives
	// the same key as normalizing once even when the cap is below its length.
	if rest, ok := strings.CutPrefix(clean, "shortened_"); ok && len(rest) == 2*md5.Size {
		if _, err := hex.DecodeString(rest); err == nil {
			return clean
		}
	}
	sum := md5.Sum([]byte(clean)) //nolint:gosec
	return "shortened_" + hex.EncodeToString(sum[:])
}

// clampTTL enforces "the smaller of the caller-supplied seconds and the
// configured ceiling; a non-positive caller value means use the ceiling."
func (c *Client) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.maxSeconds {
		return c.maxSeconds
	}
	return ttl
}

// PutString normalizes key, clamps ttl, and stores value verbatim,
// overwriting any existing entry.
func (c *Client) PutString(key, value string, ttl time.Duration) error {
	nk := c.normalize(key)
	c.backend.Set(nk, []byte(value), c.clampTTL(ttl))
	return nil
}

// PutStructured serializes value via the configured Codec, then PutString.
func (c *Client) PutStructured(key string, value any, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		c.logger.Warn("cache: marshal failed", "key", key, "error", err)
		return nil // put errors are logged and swallowed; the cache is advisory
	}
	return c.PutString(key, string(data), ttl)
}

// GetString returns the stored value for key, or ("", false) on a miss or
// backend error.
func (c *Client) GetString(key string) (string, bool) {
	data, ok := c.backend.Get(c.normalize(key))
	if !ok {
		return "", false
	}
	return string(data), true
}

// GetStructured deserializes the stored value for key into out via the
// configured Codec.
func (c *Client) GetStructured(key string, out any) (bool, error) {
	data, ok := c.backend.Get(c.normalize(key))
	if !ok {
		return false, nil
	}
	if err := c.codec.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("cache: unmarshal: %w", err)
	}
	return true, nil
}

// Remove deletes key from the cache.
func (c *Client) Remove(key string) error {
	c.backend.Delete(c.normalize(key))
	return nil
}

// SetExpire performs the read-modify-write the original's
// osrfCacheSetExpire does: re-store the existing value under a new TTL. See
// Policy.WriteEmptyOnExpireMiss for what happens when key is absent.
func (c *Client) SetExpire(key string, ttl time.Duration) error {
	nk := c.normalize(key)
	data, ok := c.backend.Get(nk)
	if !ok {
		if !c.policy.WriteEmptyOnExpireMiss {
			return nil
		}
		data = nil
	}
	c.backend.Set(nk, data, c.clampTTL(ttl))
	return nil
}

// Shutdown releases the backing store.
func (c *Client) Shutdown() {
	c.backend.Shutdown()
}
