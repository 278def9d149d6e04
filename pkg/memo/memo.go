// Package memo implements the Example Memoizing Method (§4.5): an
// illustrative RPC that fingerprints a call's arguments and result through
// the Cache Client.
package memo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensrf-go/listener/pkg/cache"
)

// ResultTTL is the fixed TTL the memoizing method caches results under.
const ResultTTL = 5 * time.Minute

// ReceiveTimeout bounds how long the memoizing method waits for the
// downstream call's single response; an application-layer timeout, not a
// framework primitive.
const ReceiveTimeout = 60 * time.Second

// Call is the (service, method, args) triple this method memoizes.
type Call struct {
	Service string
	Method  string
	Args    []any
}

// Invoker performs the actual downstream call this method memoizes. It is
// the session-layer collaborator: initiate a client session to Service,
// send Method(Args...), and wait up to ReceiveTimeout for one response.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (result any, err error)
}

// Handler implements the memoizing method against a Cache Client and an
// Invoker.
type Handler struct {
	Cache   *cache.Client
	Invoker Invoker
}

// Handle fingerprints call's arguments; on a cache hit it returns the
// cached result fingerprint directly. On a miss it invokes the downstream
// call, fingerprints the result, caches args_fingerprint -> result
// fingerprint under ResultTTL, and returns the result fingerprint.
func (h *Handler) Handle(ctx context.Context, call Call) (string, error) {
	argsFP, err := fingerprint(call.Args)
	if err != nil {
		return "", fmt.Errorf("memo: fingerprint args: %w", err)
	}

	if cached, ok := h.Cache.GetString(argsFP); ok {
		return cached, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, ReceiveTimeout)
	defer cancel()

	result, err := h.Invoker.Invoke(callCtx, call)
	if err != nil {
		return "", fmt.Errorf("memo: invoke %s.%s: %w", call.Service, call.Method, err)
	}

	resultFP, err := fingerprint(result)
	if err != nil {
		return "", fmt.Errorf("memo: fingerprint result: %w", err)
	}

	if err := h.Cache.PutString(argsFP, resultFP, ResultTTL); err != nil {
		return "", fmt.Errorf("memo: cache put: %w", err)
	}

	return resultFP, nil
}

// fingerprint computes a deterministic content hash of v, the same
// SHA-256-plus-hex idiom this repository's lineage uses for HMAC
// authentication, applied here to plain content fingerprinting instead.
func fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
