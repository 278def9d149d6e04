// Package session specifies the application-dispatch layer contract: given
// one inbound bus message, drive a request/response session. Implementing
// the real session/app-method-registry semantics is an explicit Non-goal;
// this package gives the Worker serving loop (§4.2) a concrete, minimal
// collaborator.
package session

import (
	"context"
	"time"

	"github.com/opensrf-go/listener/internal/protocol"
)

// WaitStatus is the outcome of one QueueWait call.
type WaitStatus int

const (
	// WaitOK indicates the wait succeeded, HasData reports whether a
	// message arrived before the deadline.
	WaitOK WaitStatus = iota
	// WaitError indicates the queue wait itself failed (non-success code).
	WaitError
)

// Session represents one stateful, possibly multi-message exchange a single
// inbound message may start.
type Session interface {
	// Stateful reports whether this session expects more than one message
	// (step 3 of the Worker serving loop only applies to stateful sessions).
	Stateful() bool
	// Connected reports whether the underlying session is still connected.
	Connected() bool
	// QueueWait blocks up to timeout for the next queued message. hasData
	// is false on an idle timeout, not an error.
	QueueWait(ctx context.Context, timeout time.Duration) (status WaitStatus, hasData bool, err error)
	// SendStatus reports a session-level status code to the client, e.g.
	// the "timeout" status sent when the keepalive window elapses.
	SendStatus(ctx context.Context, status string) error
}

// Dispatcher drives one inbound message into a (possibly nil) Session. A
// nil Session with a nil error means the message required no ongoing
// session — the Worker loop skips straight to emitting readiness.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *protocol.Message) (Session, error)
}

// HandlerFunc adapts a plain request/response function into a Dispatcher
// that never produces a stateful Session — the common case for stateless
// RPC methods such as the Example Memoizing Method.
type HandlerFunc func(ctx context.Context, msg *protocol.Message) error

// Dispatch implements Dispatcher.
func (f HandlerFunc) Dispatch(ctx context.Context, msg *protocol.Message) (Session, error) {
	if err := f(ctx, msg); err != nil {
		return nil, err
	}
	return nil, nil
}
