package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensrf-go/listener/internal/bus"
	"github.com/opensrf-go/listener/internal/config"
	"github.com/opensrf-go/listener/internal/logging"
	"github.com/opensrf-go/listener/internal/protocol"
	"github.com/opensrf-go/listener/internal/proctitle"
	"github.com/opensrf-go/listener/internal/session"
	"github.com/opensrf-go/listener/pkg/cache"
	"github.com/opensrf-go/listener/pkg/memo"
	"github.com/opensrf-go/listener/pkg/prefork"
	"github.com/opensrf-go/listener/pkg/worker"
)

var (
	configPath string
	appName    string
)

var rootCmd = &cobra.Command{
	Use:     "osrf-listener",
	Short:   "OpenSRF Listener - pre-forked worker pool for an OpenSRF application",
	Version: "0.1.0",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the listener for one application",
	RunE:  runListener,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to the listener configuration file")
	runCmd.Flags().StringVar(&appName, "app", "", "application name (e.g. opensrf.math)")
	_ = runCmd.MarkFlagRequired("app")
	rootCmd.AddCommand(runCmd)
}

func main() {
	// A worker process is this same binary, re-exec'd by the Pool Manager
	// with OSRF_WORKER_MODE=1 in its environment. It never reaches cobra's
	// argument parsing: the parent passes it no meaningful argv, only the
	// inherited pipes and the OSRF_* environment variables spawnOne sets.
	if os.Getenv(prefork.EnvWorkerMode) == "1" {
		if err := runWorker(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runWorker implements the worker side of the self-re-exec: read its
// configuration from the environment spawnOne set, recover its two pipes
// from the fixed ExtraFiles descriptors, run Init (cache connect, drone bus
// resource), and serve requests through the memoizing method.
func runWorker() error {
	app := os.Getenv(prefork.EnvAppName)
	maxReq, _ := strconv.Atoi(os.Getenv(prefork.EnvMaxReq))
	keepaliveSec, _ := strconv.Atoi(os.Getenv(prefork.EnvKeepalive))
	configPath := os.Getenv(prefork.EnvConfigPath)

	proctitle.Set(proctitle.Drone(app))

	logger := logging.New(logging.Config{Level: "info", Format: "text"}).WithApp(app).WithPID(os.Getpid())

	requestPipe := os.NewFile(prefork.RequestFD, "request")
	statusPipe := os.NewFile(prefork.StatusFD, "status")
	if requestPipe == nil || statusPipe == nil {
		return fmt.Errorf("worker: missing inherited pipe descriptors")
	}

	var memoHandler *memo.Handler
	var droneBus bus.Client

	cfg := worker.Config{
		AppName:     app,
		MaxRequests: maxReq,
		Keepalive:   time.Duration(keepaliveSec) * time.Second,
		Logger:      logger,
		InitFunc: func(ctx context.Context) error {
			appCfg, err := config.Load(app, configPath)
			if err != nil {
				return fmt.Errorf("worker init: load config: %w", err)
			}

			cacheClient, err := cache.New(cache.Options{
				Backend:    cache.NewTTLCacheBackend(appCfg.Cache.MaxSeconds),
				MaxSeconds: appCfg.Cache.MaxSeconds,
				MaxKeyLen:  appCfg.Cache.MaxKeyLen,
				Logger:     logger.Logger,
			})
			if err != nil {
				return fmt.Errorf("worker init: cache client: %w", err)
			}
			memoHandler = &memo.Handler{Cache: cacheClient, Invoker: echoInvoker{}}

			// Each worker reopens its own private bus resource, the
			// "drone" of the listener it belongs to. There is no shared
			// memory across the re-exec boundary, so this loopback
			// transport gives the drone a network scoped to this process
			// rather than the parent's.
			droneBus = bus.NewLoopbackClient(bus.NewNetwork())
			resourceName := app + "_drone"
			if err := droneBus.Connect(ctx, resourceName); err != nil {
				return fmt.Errorf("worker init: connect drone bus resource: %w", err)
			}

			logger.InfoContext(ctx, "worker init complete", "drone_resource", resourceName)
			return nil
		},
		ExitFunc: func() {
			if droneBus != nil {
				_ = droneBus.Disconnect()
			}
		},
	}
	cfg.Dispatcher = session.HandlerFunc(func(ctx context.Context, msg *protocol.Message) error {
		return memoDispatch(ctx, memoHandler, msg)
	})

	return worker.Serve(context.Background(), requestPipe, statusPipe, cfg)
}

// memoDispatch decodes msg's body as a memo.Call and serves it through the
// Example Memoizing Method, the only application handler this repository
// ships. A real deployment would route msg through its own method
// registry; the wiring here exists to exercise the Cache Client end to end
// from the one binary this module builds.
func memoDispatch(ctx context.Context, h *memo.Handler, msg *protocol.Message) error {
	var call memo.Call
	if err := json.Unmarshal(msg.Body, &call); err != nil {
		return fmt.Errorf("worker: decode call: %w", err)
	}
	_, err := h.Handle(ctx, call)
	return err
}

// echoInvoker stands in for the real session-layer call the bus/session
// Non-goals leave unspecified: it returns the call's own arguments as the
// downstream result, just enough to exercise fingerprinting and caching.
type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, call memo.Call) (any, error) {
	return call.Args, nil
}

func runListener(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(appName, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		TraceEnabled: cfg.Logging.TraceEnabled,
	}).WithApp(appName)

	proctitle.Set(proctitle.Listener(appName))

	network := bus.NewNetwork()
	busClient := bus.NewLoopbackClient(network)

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	pool, err := prefork.New(prefork.Options{
		AppName:      appName,
		MinChildren:  cfg.Pool.MinChildren,
		MaxChildren:  cfg.Pool.MaxChildren,
		MaxRequests:  cfg.Pool.MaxRequests,
		Keepalive:    cfg.Pool.Keepalive,
		Bus:          busClient,
		Routers:      cfg.Routers,
		RouterName:   cfg.RouterName,
		Logger:       logger,
		WorkerBinary: selfPath,
		ConfigPath:   configPath,
		OnLostInFlight: func(msg *protocol.Message) {
			logger.WarnContext(context.Background(), "message lost in flight", "message", msg.String())
		},
	})
	if err != nil {
		return fmt.Errorf("construct pool: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logging.WithTraceID(ctx)

	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pool run: %w", err)
	}
	return nil
}
