package prefork

import (
	"context"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opensrf-go/listener/internal/bus"
	"github.com/opensrf-go/listener/internal/protocol"
	"github.com/opensrf-go/listener/internal/session"
	"github.com/opensrf-go/listener/pkg/worker"
)

// This test binary also stands in as the worker binary a Pool spawns:
// newTestPool points WorkerBinary at the test executable with
// -test.run=TestHelperProcess, and TestHelperProcess, run in that
// subprocess with OSRF_WORKER_MODE=1 set, drives the same worker.Serve loop
// the real osrf-listener binary's worker path runs. This mirrors the
// stdlib's own os/exec_test.go self-reexec idiom, since a freshly built
// worker binary isn't available during `go test`.
func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(EnvWorkerMode) != "1" {
		t.Skip("not running as a worker subprocess")
	}

	maxReq, _ := strconv.Atoi(os.Getenv(EnvMaxReq))
	keepaliveSec, _ := strconv.Atoi(os.Getenv(EnvKeepalive))

	requestPipe := os.NewFile(RequestFD, "request")
	statusPipe := os.NewFile(StatusFD, "status")

	cfg := worker.Config{
		AppName:     os.Getenv(EnvAppName),
		MaxRequests: maxReq,
		Keepalive:   time.Duration(keepaliveSec) * time.Second,
		Dispatcher: session.HandlerFunc(func(ctx context.Context, msg *protocol.Message) error {
			// A "slow" payload lets tests observe the Pool Manager's
			// backpressure path: the worker stays active long enough for a
			// second dispatch to actually block on checkReady.
			if string(msg.Body) == "slow" {
				time.Sleep(300 * time.Millisecond)
			}
			return nil
		}),
	}

	_ = worker.Serve(context.Background(), requestPipe, statusPipe, cfg)
	os.Exit(0)
}

func newTestPool(t *testing.T, minChildren, maxChildren, maxRequests int) (*Pool, *bus.Network, bus.Client) {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	network := bus.NewNetwork()
	client := bus.NewLoopbackClient(network)

	p, err := New(Options{
		AppName:      "opensrf.test",
		MinChildren:  minChildren,
		MaxChildren:  maxChildren,
		MaxRequests:  maxRequests,
		Keepalive:    50 * time.Millisecond,
		Bus:          client,
		WorkerBinary: self,
		WorkerArgs:   []string{"-test.run=TestHelperProcess"},
	})
	require.NoError(t, err)
	return p, network, client
}

func TestSpawnOneAddsIdleChild(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	p, _, _ := newTestPool(t, 0, 2, 5)
	require.NoError(t, p.spawnOne())
	assert.Equal(t, 1, p.currentNumChildren)
	assert.NotNil(t, p.idle)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.ctx = ctx
	require.NoError(t, p.Shutdown(ctx))
}

func TestDispatchOneRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	p, _, _ := newTestPool(t, 1, 2, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.ctx = ctx

	require.NoError(t, p.spawnOne())
	msg := protocol.NewRequest("caller", "opensrf.test_listener", "t1", []byte("payload"))

	require.NoError(t, p.dispatchOne(ctx, msg))
	assert.Equal(t, 1, p.currentNumChildren)

	require.NoError(t, p.checkReady(ctx, true))
	assert.NotNil(t, p.idle)
	assert.Nil(t, p.active)

	require.NoError(t, p.Shutdown(ctx))
}

func TestDispatchOneSpawnsUpToMax(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	p, _, _ := newTestPool(t, 0, 2, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.ctx = ctx

	msg1 := protocol.NewRequest("caller", "opensrf.test_listener", "t1", []byte("a"))
	msg2 := protocol.NewRequest("caller", "opensrf.test_listener", "t2", []byte("b"))

	require.NoError(t, p.dispatchOne(ctx, msg1))
	require.NoError(t, p.dispatchOne(ctx, msg2))
	assert.Equal(t, 2, p.currentNumChildren)

	require.NoError(t, p.Shutdown(ctx))
}

func TestMaxRequestsRetiresWorkerWithoutReadiness(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	// maxRequests=1: a worker should serve exactly one request and never
	// emit a readiness token, so it never returns to the idle stack and
	// the pool learns of it only through its exit. handleDead retires the
	// record without replenishing, leaving no children.
	p, _, _ := newTestPool(t, 1, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.ctx = ctx

	msg := protocol.NewRequest("caller", "opensrf.test_listener", "t1", []byte("a"))
	require.NoError(t, p.dispatchOne(ctx, msg))

	// The dispatched worker exits after its one request without ever
	// writing a readiness token; wait for monitorExit's deadEvent instead
	// of readyCh.
	select {
	case d := <-p.deadCh:
		p.handleDead(d)
	case <-time.After(time.Second):
		t.Fatal("worker never reported death after its max_requests request")
	}
	assert.Equal(t, 0, p.currentNumChildren)

	require.NoError(t, p.Shutdown(ctx))
}

func TestReapReplenishesToMinAfterActiveWorkerDiesExternally(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	// min=2: one worker stays idle, one gets dispatched to and becomes
	// active, then gets killed out from under the pool. reap (not
	// handleDead called directly) must observe the death, retire the
	// record, and replenish back up to the floor.
	p, _, _ := newTestPool(t, 2, 2, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.ctx = ctx

	require.NoError(t, p.spawnOne())
	require.NoError(t, p.spawnOne())
	require.Equal(t, 2, p.currentNumChildren)

	msg := protocol.NewRequest("caller", "opensrf.test_listener", "t1", []byte("slow"))
	require.NoError(t, p.dispatchOne(ctx, msg))
	require.NotNil(t, p.active)

	victimPID := p.active.pid
	require.NoError(t, syscall.Kill(victimPID, syscall.SIGKILL))

	// monitorExit posts to deadCh asynchronously once it observes the
	// kill; poll reap() until the killed worker has left the active ring
	// and the floor is restored, rather than assuming a single call lands
	// after the event has arrived. The count alone is already at the floor
	// before the death is observed, so it cannot end the wait by itself.
	deadline := time.Now().Add(2 * time.Second)
	for (p.active != nil || p.currentNumChildren != p.minChildren) && time.Now().Before(deadline) {
		p.reap()
		if p.active != nil || p.currentNumChildren != p.minChildren {
			time.Sleep(10 * time.Millisecond)
		}
	}

	assert.Equal(t, p.minChildren, p.currentNumChildren)
	assert.Nil(t, p.active)
	assert.NotNil(t, p.idle)
	require.NotEqual(t, victimPID, p.idle.pid, "replenished worker must be a new process, not the killed one")

	require.NoError(t, p.Shutdown(ctx))
}

func TestDispatchOneBlocksUntilWorkerFreesUp(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"))

	// max=1: the second dispatch has nowhere to go but the blocking
	// checkReady(ctx, true) branch until the sole worker frees up.
	p, _, _ := newTestPool(t, 0, 1, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.ctx = ctx

	msg1 := protocol.NewRequest("caller", "opensrf.test_listener", "t1", []byte("slow"))
	require.NoError(t, p.dispatchOne(ctx, msg1))
	require.Equal(t, 1, p.currentNumChildren)
	require.NotNil(t, p.active)
	require.Nil(t, p.idle)

	msg2 := protocol.NewRequest("caller", "opensrf.test_listener", "t2", []byte("fast"))

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.dispatchOne(ctx, msg2) }()

	select {
	case <-done:
		t.Fatal("dispatchOne for msg2 returned before the sole worker freed up")
	case <-time.After(100 * time.Millisecond):
		// Expected: dispatchOne is blocked inside checkReady(ctx, true)
		// with idle empty and currentNumChildren at maxChildren.
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchOne for msg2 never unblocked after the worker freed up")
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolConfigValidation(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	_, err = New(Options{
		AppName:      "",
		MaxChildren:  1,
		Bus:          bus.NewLoopbackClient(bus.NewNetwork()),
		WorkerBinary: self,
	})
	assert.Error(t, err)

	_, err = New(Options{
		AppName:      "opensrf.test",
		MinChildren:  5,
		MaxChildren:  1,
		Bus:          bus.NewLoopbackClient(bus.NewNetwork()),
		WorkerBinary: self,
	})
	assert.Error(t, err)
}
