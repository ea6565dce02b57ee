// Package main runs a small quote-monitoring pipeline on top of the nexus
// event core: a feed worker generates prices, processors moved to worker
// loops raise alerts, and a monitor on the main loop reports them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/nexus/internal/config"
	"github.com/dshills/nexus/internal/event"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
	"github.com/dshills/nexus/internal/metrics"
	"github.com/dshills/nexus/internal/worker"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath string
	logLevel   string
	duration   time.Duration
	interval   time.Duration
	threshold  float64
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger := logging.New(cfg.LoggingOptions())
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := runPipeline(ctx, cfg, opts, logger); err != nil {
		logger.Error("pipeline failed", "error", err)
		return 1
	}
	return 0
}

func runPipeline(ctx context.Context, cfg *config.Config, opts options, logger *logging.SlogLogger) error {
	var (
		eventObserver  event.Observer
		workerObserver worker.Observer
	)
	if cfg.Metrics.Enabled {
		obs, err := metrics.New(metrics.WithProcessMetrics())
		if err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
		eventObserver, workerObserver = obs, obs
		srv := serveMetrics(cfg.Metrics.Addr, obs, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, func(c *config.Config, err error) {
				if err != nil {
					return
				}
				logger.SetLevel(logging.ParseLogLevel(c.Logging.Level))
			}, config.WithWatchLogger(logger))
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	mainLoop := loop.New(loop.WithName("main"), loop.WithLogger(logger))
	if err := mainLoop.Start(); err != nil {
		return fmt.Errorf("starting main loop: %w", err)
	}
	defer func() {
		_ = mainLoop.StopTimeout(cfg.Worker.JoinTimeout.Std())
	}()
	mainCtx := mainLoop.Context()

	objectOpts := []event.ObjectOption{
		event.WithLogger(logger),
		event.WithWeakDefault(cfg.Event.WeakDefault),
	}
	if eventObserver != nil {
		objectOpts = append(objectOpts, event.WithObserver(eventObserver))
	}
	workerOpts := cfg.WorkerOptions()
	workerOpts = append(workerOpts, worker.WithLogger(logger))
	if workerObserver != nil {
		workerOpts = append(workerOpts, worker.WithObserver(workerObserver), worker.WithEventObserver(eventObserver))
	}

	monitor, err := newMonitor(mainCtx, logger, objectOpts...)
	if err != nil {
		return err
	}

	count := max(cfg.Worker.Count, 1)
	group := worker.NewGroup()
	for i := 0; i < count; i++ {
		group.Add(worker.New(append(workerOpts, worker.WithName(fmt.Sprintf("processor-%d", i)))...))
	}
	if err := group.Start(); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	defer func() {
		if err := group.Stop(); err != nil {
			logger.Warn("stopping workers", "error", err)
		}
	}()

	feed := newFeed(opts.interval, append(workerOpts, worker.WithName("feed"))...)

	// Processors are created on the main loop and moved to their worker.
	// Connections made afterwards follow the new affinity.
	processors := make([]*Processor, 0, count)
	for i, w := range group.Workers() {
		p, err := newProcessor(mainCtx, i, count, opts.threshold, objectOpts...)
		if err != nil {
			return err
		}
		if err := p.MoveToThread(w); err != nil {
			return fmt.Errorf("moving processor %d: %w", i, err)
		}
		if err := event.ConnectMethod(feed.Quotes, p, (*Processor).OnQuote); err != nil {
			return err
		}
		if err := event.ConnectMethod(p.Alerts, monitor, (*Monitor).OnAlert); err != nil {
			return err
		}
		if err := event.ConnectMethod(p.Processed.Changed, monitor, (*Monitor).OnProcessed); err != nil {
			return err
		}
		processors = append(processors, p)
	}

	if err := feed.Start(worker.WithRun(feed.run)); err != nil {
		return fmt.Errorf("starting feed: %w", err)
	}
	logger.Info("pipeline running", "workers", count, "interval", opts.interval, "version", version)

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-heartbeat.C:
			if _, err := group.QueueTask(func(ctx context.Context) error {
				l := loop.FromContext(ctx)
				logger.Debug("worker heartbeat", "loop", l.Name(), "queue_depth", l.QueueDepth())
				return nil
			}); err != nil {
				logger.Warn("heartbeat not queued", "error", err)
			}
		}
	}

	logger.Info("shutting down")
	if err := feed.Stop(); err != nil {
		logger.Warn("stopping feed", "error", err)
	}

	// Let deliveries already handed to the main loop finish before the summary.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.JoinTimeout.Std())
	defer cancel()
	if err := mainLoop.Drain(drainCtx); err != nil {
		logger.Warn("draining main loop", "error", err)
	}
	if err := monitor.Report.Call(context.Background(), "shutdown"); err != nil {
		logger.Warn("summary failed", "error", err)
	}
	for _, p := range processors {
		p.Detach()
	}
	return nil
}

func serveMetrics(addr string, obs *metrics.Observer, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", os.Getenv("NEXUS_CONFIG"), "Path to a YAML or TOML configuration file")
	flag.StringVar(&opts.configPath, "c", os.Getenv("NEXUS_CONFIG"), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flag.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.DurationVar(&opts.interval, "interval", 250*time.Millisecond, "Quote generation interval")
	flag.Float64Var(&opts.threshold, "threshold", 1.5, "Alert threshold in percent")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "nexus-demo - simulated quote pipeline on worker loops\n\n")
		fmt.Fprintf(os.Stderr, "Usage: nexus-demo [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("nexus-demo %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	switch opts.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}
	if opts.interval <= 0 {
		fmt.Fprintf(os.Stderr, "Error: interval must be positive\n")
		os.Exit(1)
	}

	return opts
}
