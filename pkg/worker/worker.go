// Package worker implements the Worker (§4.2): the in-child request
// serving loop that runs inside a process spawned by the Pool Manager.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opensrf-go/listener/internal/framing"
	"github.com/opensrf-go/listener/internal/logging"
	"github.com/opensrf-go/listener/internal/protocol"
	"github.com/opensrf-go/listener/internal/session"
)

// Config configures one worker's serving loop.
type Config struct {
	AppName     string
	MaxRequests int
	Keepalive   time.Duration

	// InitFunc runs once before the serving loop starts (cache connect,
	// private bus resource, application init hook, process title).
	InitFunc func(ctx context.Context) error
	// ExitFunc runs once after the serving loop ends, before the process
	// terminates.
	ExitFunc func()

	Dispatcher session.Dispatcher
	Logger     *logging.Logger
}

// Serve runs the worker state machine: init -> serving -> ready-signaling
// -> serving ... -> terminated, reading frames from requestPipe and writing
// readiness tokens to statusPipe.
func Serve(ctx context.Context, requestPipe *os.File, statusPipe *os.File, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: "info", Format: "text"})
	}
	logger = logger.WithComponent("worker")

	if cfg.InitFunc != nil {
		if err := cfg.InitFunc(ctx); err != nil {
			return fmt.Errorf("worker: init: %w", err)
		}
	}

	served := 0
	for served < cfg.MaxRequests {
		payload, err := framing.ReadRequest(requestPipe)
		if err != nil {
			if err == io.EOF {
				logger.InfoContext(ctx, "parent closed request pipe, exiting")
				break
			}
			logger.WarnContext(ctx, "request read error, exiting", "error", err)
			break
		}
		served++

		msg := protocol.NewRequest("", cfg.AppName, "", payload)

		if cfg.Dispatcher != nil {
			sess, err := cfg.Dispatcher.Dispatch(ctx, msg)
			if err != nil {
				logger.WarnContext(ctx, "dispatch error", "error", err)
			} else if sess != nil {
				serveSession(ctx, sess, cfg.Keepalive, logger)
			}
		}

		if served < cfg.MaxRequests {
			if err := framing.WriteReadiness(statusPipe); err != nil {
				logger.WarnContext(ctx, "readiness write failed, exiting", "error", err)
				break
			}
		}
	}

	if cfg.ExitFunc != nil {
		cfg.ExitFunc()
	}
	return nil
}

// serveSession implements step 3 of the serving loop: for a stateful,
// connected session, loop on the queue wait with a keepalive timeout,
// exiting on a non-success wait, disconnection, or an idle window whose
// wall-clock length meets or exceeds the keepalive.
func serveSession(ctx context.Context, sess session.Session, keepalive time.Duration, logger *logging.Logger) {
	if !sess.Stateful() || !sess.Connected() {
		return
	}

	lastActivity := time.Now()
	for sess.Connected() {
		status, hasData, err := sess.QueueWait(ctx, keepalive)
		if err != nil || status != session.WaitOK {
			logger.DebugContext(ctx, "session queue wait ended", "error", err)
			return
		}
		if hasData {
			lastActivity = time.Now()
			continue
		}
		// Wait returned with no data. The wall-clock check guards against
		// a queue-wait implementation that can wake up early/spuriously
		// before the full keepalive window has actually elapsed.
		if time.Since(lastActivity) >= keepalive {
			_ = sess.SendStatus(ctx, "timeout")
			return
		}
	}
}
