package prefork

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Environment variables used to hand a self-re-exec'd worker process its
// configuration and inherited pipe descriptors. Go has no fork(); spawning
// a worker is a fresh exec of this same binary, grounded on the
// self-re-exec-with-inherited-fds pattern used for graceful-restart socket
// handoff in the reference material this repository draws on.
const (
	EnvWorkerMode = "OSRF_WORKER_MODE"
	EnvAppName    = "OSRF_APP_NAME"
	EnvMaxReq     = "OSRF_MAX_REQUESTS"
	EnvKeepalive  = "OSRF_KEEPALIVE_SECONDS"

	// EnvConfigPath carries the --config path the parent was started with,
	// so a re-exec'd worker can call config.Load itself during Init and
	// reconstruct the same Cache Client / bus settings the parent read --
	// there is no shared memory across the exec boundary to hand them down
	// any other way. Empty means "use the default search locations", same
	// as an empty --config on the parent.
	EnvConfigPath = "OSRF_CONFIG_PATH"

	// RequestFD and StatusFD are the fixed ExtraFiles indices a worker
	// process finds its pipes at: os.NewFile(RequestFD, "request") and
	// os.NewFile(StatusFD, "status"). ExtraFiles start at fd 3 (0/1/2 are
	// stdin/stdout/stderr), so index 0 of ExtraFiles lands at fd 3.
	RequestFD uintptr = 3
	StatusFD  uintptr = 4
)

// spawnOne creates a pipe pair for request data and a pipe pair for
// readiness status, re-execs the listener binary in worker mode with those
// pipes inherited via ExtraFiles, and registers a childRecord for it on the
// idle stack. It never closes the parent-side endpoints it keeps: per the
// fd-retention rule, those stay open until the child is reaped.
func (p *Pool) spawnOne() error {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("prefork: create request pipe: %w", err)
	}
	statR, statW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return fmt.Errorf("prefork: create status pipe: %w", err)
	}

	cmd := exec.Command(p.workerBinary, p.workerArgs...)
	cmd.ExtraFiles = []*os.File{reqR, statW}
	cmd.Env = append(os.Environ(),
		EnvWorkerMode+"=1",
		EnvAppName+"="+p.appName,
		EnvMaxReq+"="+strconv.Itoa(p.maxRequests),
		EnvKeepalive+"="+strconv.Itoa(int(p.keepalive.Seconds())),
		EnvConfigPath+"="+p.configPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		_ = statR.Close()
		_ = statW.Close()
		return fmt.Errorf("prefork: start worker: %w", err)
	}

	// The child's view of these fds was duplicated by os/exec into its own
	// process at Start() time; our copies of the child-facing ends are no
	// longer needed in the parent. This close is safe and distinct from
	// the deliberate retention of the parent-facing ends below -- see the
	// concurrency model's fd-retention note.
	_ = reqR.Close()
	_ = statW.Close()

	cr, newFree := popFree(p.free)
	p.free = newFree
	if cr == nil {
		cr = &childRecord{}
	}
	cr.pid = cmd.Process.Pid
	cr.cmd = cmd
	cr.dataW = reqW
	cr.statusR = statR
	cr.appName = p.appName
	cr.maxRequests = p.maxRequests
	cr.keepalive = p.keepalive

	p.idle = pushIdle(p.idle, cr)
	p.currentNumChildren++

	go p.monitorExit(cr)

	p.logger.InfoContext(p.ctx, "spawned worker", "pid", cr.pid)
	return nil
}
