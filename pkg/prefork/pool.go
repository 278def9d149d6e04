// Package prefork implements the Pool Manager (§4.1): the parent process
// that maintains a bounded population of pre-forked worker processes and
// dispatches inbound bus messages to them.
package prefork

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opensrf-go/listener/internal/bus"
	"github.com/opensrf-go/listener/internal/config"
	"github.com/opensrf-go/listener/internal/framing"
	"github.com/opensrf-go/listener/internal/logging"
	"github.com/opensrf-go/listener/internal/protocol"
	"github.com/opensrf-go/listener/pkg/router"
)

// AbsMaxChildren mirrors ABS_MAX_CHILDREN: an absolute safety ceiling no
// configuration is allowed to exceed, regardless of max_children.
const AbsMaxChildren = config.AbsMaxChildren

var (
	// ErrPoolShutdown is returned by Dispatch-adjacent calls once Shutdown
	// has been invoked.
	ErrPoolShutdown = errors.New("prefork: pool is shut down")
	// ErrAllListsEmpty reports the "service is effectively dead" failure
	// mode: every list is empty and no more workers can be spawned.
	ErrAllListsEmpty = errors.New("prefork: active, idle, and free lists all empty; cannot dispatch")
)

// deadEvent is posted by a child's monitorExit goroutine when that child's
// process has exited, whether it was idle, active, or never dispatched to.
type deadEvent struct {
	child *childRecord
	err   error
}

// Options configures a new Pool.
type Options struct {
	AppName      string
	MinChildren  int
	MaxChildren  int
	MaxRequests  int
	Keepalive    time.Duration
	Bus          bus.Client
	Routers      []router.Entry
	RouterName   string
	Logger       *logging.Logger
	WorkerBinary string
	WorkerArgs   []string
	// ConfigPath is handed down to spawned workers via EnvConfigPath so
	// their Init phase can reload the same configuration file the parent
	// used. Empty is a valid value, meaning "default search locations".
	ConfigPath string

	// OnLostInFlight is invoked when writing a message to a worker fails and
	// that worker has just been force-killed. The dispatch loop then offers
	// the same message to another worker. A message whose worker dies after
	// a successful write is not retried and does not reach this hook.
	OnLostInFlight func(msg *protocol.Message)
}

// Pool is the Pool Manager. All of its list fields (active, idle, free) are
// mutated exclusively by the goroutine running Run's dispatch loop; every
// other goroutine this package starts communicates back to that loop only
// through readyCh/deadCh.
type Pool struct {
	appName     string
	minChildren int
	maxChildren int
	maxRequests int
	keepalive   time.Duration

	busClient  bus.Client
	routers    []router.Entry
	routerName string
	logger     *logging.Logger

	workerBinary string
	workerArgs   []string
	configPath   string
	onLostInFlight func(msg *protocol.Message)

	active *childRecord // head of the active ring, nil when empty
	idle   *childRecord // top of the idle stack
	free   *childRecord // top of the free list

	currentNumChildren int

	readyCh chan *childRecord
	deadCh  chan deadEvent

	sigchldPending atomic.Bool
	shuttingDown   atomic.Bool

	ctx context.Context
}

// New constructs a Pool from opts. Config validation (missing app name,
// min > max, max > AbsMaxChildren) happens here, before any worker is
// spawned.
func New(opts Options) (*Pool, error) {
	pc := config.PoolConfig{
		AppName:     opts.AppName,
		MinChildren: opts.MinChildren,
		MaxChildren: opts.MaxChildren,
		MaxRequests: opts.MaxRequests,
		Keepalive:   opts.Keepalive,
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("prefork: bus client is required")
	}
	if opts.WorkerBinary == "" {
		return nil, fmt.Errorf("prefork: worker binary path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: "info", Format: "text"})
	}

	return &Pool{
		appName:        opts.AppName,
		minChildren:    opts.MinChildren,
		maxChildren:    opts.MaxChildren,
		maxRequests:    opts.MaxRequests,
		keepalive:      opts.Keepalive,
		busClient:      opts.Bus,
		routers:        opts.Routers,
		routerName:     opts.RouterName,
		logger:         logger.WithComponent("prefork"),
		workerBinary:   opts.WorkerBinary,
		workerArgs:     opts.WorkerArgs,
		configPath:     opts.ConfigPath,
		onLostInFlight: opts.OnLostInFlight,
		readyCh:        make(chan *childRecord, AbsMaxChildren),
		deadCh:         make(chan deadEvent, AbsMaxChildren),
	}, nil
}

// Run loads the pool, spawns min_workers, registers with all configured
// routers, and enters the dispatch loop. It returns on fatal error, ctx
// cancellation, or graceful shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.ctx = ctx
	resourceName := p.appName + "_listener"
	if err := p.busClient.Connect(ctx, resourceName); err != nil {
		return fmt.Errorf("prefork: connect bus: %w", err)
	}

	for i := 0; i < p.minChildren; i++ {
		if err := p.spawnOne(); err != nil {
			p.logger.WarnContext(ctx, "spawn failed during startup", "error", err)
		}
	}

	if err := router.Register(ctx, p.busClient, p.routers, p.routerName, p.appName, resourceName); err != nil {
		p.logger.WarnContext(ctx, "router registration failed", "error", err)
	}

	defer func() {
		_ = p.Shutdown(ctx)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := p.busClient.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WarnContext(ctx, "bus receive error", "error", err)
			continue
		}
		if err := p.dispatchOne(ctx, msg); err != nil {
			if errors.Is(err, ErrAllListsEmpty) {
				p.logger.ErrorContext(ctx, "pool exhausted, stopping", "error", err)
				return err
			}
			p.logger.WarnContext(ctx, "dispatch error", "error", err)
		}
	}
}

// dispatchOne implements §4.1's dispatch_one.
func (p *Pool) dispatchOne(ctx context.Context, msg *protocol.Message) error {
	for {
		if p.shuttingDown.Load() {
			return ErrPoolShutdown
		}
		if p.sigchldPending.Load() {
			p.reap()
		}

		if p.idle == nil {
			if p.currentNumChildren >= p.maxChildren {
				if err := p.checkReady(ctx, true); err != nil {
					return err
				}
				continue
			}
			if err := p.spawnOne(); err != nil {
				p.logger.WarnContext(ctx, "spawn failed during dispatch", "error", err)
				if p.currentNumChildren == 0 {
					return ErrAllListsEmpty
				}
				if err := p.checkReady(ctx, true); err != nil {
					return err
				}
			}
			continue
		}

		cr, rest := popIdle(p.idle)
		p.idle = rest

		if err := framing.WriteRequest(cr.dataW, msg.Body); err != nil {
			p.logger.WarnContext(ctx, "write to worker failed, killing", "pid", cr.pid, "error", err)
			p.killChild(cr)
			if p.onLostInFlight != nil {
				p.onLostInFlight(msg)
			}
			continue
		}

		p.active = pushActive(p.active, cr)
		go p.watchReadiness(cr)
		return nil
	}
}

// checkReady multiplexes readiness/death notifications. With forever=false
// it drains whatever is already available without blocking; with
// forever=true it blocks until at least one worker is ready or dead.
func (p *Pool) checkReady(ctx context.Context, forever bool) error {
	first := true
	for {
		select {
		case cr := <-p.readyCh:
			p.moveToIdle(cr)
			first = false
		case d := <-p.deadCh:
			p.handleDead(d)
			first = false
		case <-ctx.Done():
			return ctx.Err()
		default:
			if forever && first {
				select {
				case cr := <-p.readyCh:
					p.moveToIdle(cr)
					first = false
					continue
				case d := <-p.deadCh:
					p.handleDead(d)
					first = false
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if p.sigchldPending.Load() {
				p.reap()
			}
			return nil
		}
	}
}

// moveToIdle implements the active->idle transition on a readiness
// observation.
func (p *Pool) moveToIdle(cr *childRecord) {
	p.active = unlinkActive(p.active, cr)
	p.idle = pushIdle(p.idle, cr)
}

// reap drains deadCh without blocking, retires each dead child's record to
// the free list, and replenishes the floor if needed.
func (p *Pool) reap() {
	p.sigchldPending.Store(false)
	for {
		select {
		case d := <-p.deadCh:
			p.handleDead(d)
		default:
			goto replenish
		}
	}
replenish:
	if p.shuttingDown.Load() {
		return
	}
	for p.currentNumChildren < p.minChildren {
		if err := p.spawnOne(); err != nil {
			p.logger.WarnContext(p.ctx, "replenish spawn failed", "error", err)
			break
		}
	}
}

// handleDead retires a terminated child: ensures it's reaped (no zombie),
// splices its record out of whichever list holds it, closes the
// parent-side pipe endpoints, and returns the record to the free list.
func (p *Pool) handleDead(d deadEvent) {
	cr := d.child
	_ = cr.wait()

	if cr.ringNext != nil {
		p.active = unlinkActive(p.active, cr)
	} else if newTop, removed := removeIdle(p.idle, cr); removed {
		p.idle = newTop
	}

	cr.closeParentEnds()
	p.currentNumChildren--
	pid := cr.pid
	p.free = pushFree(p.free, cr)

	p.logger.InfoContext(p.ctx, "reaped worker", "pid", pid, "cause", d.err)
}

// killChild force-kills cr (the parent's response to a failed pipe write,
// which is treated as the worker's implicit cancellation) and lets
// monitorExit observe the exit and post the deadEvent that retires it.
func (p *Pool) killChild(cr *childRecord) {
	_ = syscall.Kill(cr.pid, syscall.SIGKILL)
}

// monitorExit blocks for the lifetime of one child process and reports its
// exit, whatever state (idle, active, never-dispatched) it was in. This is
// the single owner of cmd.Wait() for this child, so it can never race
// os/exec's own bookkeeping, and it is what lets the Pool Manager detect a
// worker that died while idle -- the readiness watcher only runs while a
// worker is active. After posting the event it sets sigchldPending, the
// termination flag the dispatch loop checks before calling reap.
func (p *Pool) monitorExit(cr *childRecord) {
	err := cr.wait()
	p.deadCh <- deadEvent{child: cr, err: err}
	p.sigchldPending.Store(true)
}

// watchReadiness blocks for one readiness token (or an error/EOF) on cr's
// status pipe, the concrete instance of the "select-style multiplexing"
// design note: Go cannot select() over arbitrary pipe fds directly, so each
// active worker gets one reader goroutine feeding a shared channel.
func (p *Pool) watchReadiness(cr *childRecord) {
	if err := framing.ReadReadiness(cr.statusR); err != nil {
		// monitorExit is the authoritative death signal; a read error here
		// just means this particular watch cycle ended without a token.
		p.logger.DebugContext(p.ctx, "readiness watch ended without token", "pid", cr.pid, "error", err)
		return
	}
	p.readyCh <- cr
}

// Shutdown signals all workers to terminate, reaps them, and closes the bus
// client.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	for cr := p.idle; cr != nil; {
		next := cr.listNext
		_ = syscall.Kill(cr.pid, syscall.SIGTERM)
		cr = next
	}
	for cr := p.active; cr != nil; {
		next := cr.ringNext
		_ = syscall.Kill(cr.pid, syscall.SIGTERM)
		if next == p.active {
			break
		}
		cr = next
	}

	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for p.currentNumChildren > 0 {
		select {
		case d := <-p.deadCh:
			p.handleDead(d)
		case <-deadline.C:
			goto closeBus
		}
	}

closeBus:
	return p.busClient.Disconnect()
}

// CurrentNumChildren reports the pool's total live worker count, exposed
// for tests verifying the pool invariants.
func (p *Pool) CurrentNumChildren() int { return p.currentNumChildren }
