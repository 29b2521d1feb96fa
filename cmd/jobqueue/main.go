// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/twidi/redis-limpyd-jobs/internal/config"
	"github.com/twidi/redis-limpyd-jobs/internal/jobqueue"
	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
	"github.com/twidi/redis-limpyd-jobs/internal/obs"
	"github.com/twidi/redis-limpyd-jobs/internal/redisclient"
	"github.com/twidi/redis-limpyd-jobs/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	var identifier string
	var queueName string
	var priority int64
	var prepend bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|enqueue")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.StringVar(&identifier, "identifier", "", "enqueue: application identifier for the job")
	fs.StringVar(&queueName, "queue", "", "enqueue: logical queue name")
	fs.Int64Var(&priority, "priority", 0, "enqueue: tier priority")
	fs.BoolVar(&prepend, "prepend", false, "enqueue: push to the front of the waiting list")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	store := kvstore.New(rdb, cfg.Namespace)

	switch role {
	case "enqueue":
		runEnqueue(rdb, store, cfg, logger, identifier, queueName, priority, prepend)
	case "worker":
		runWorker(rdb, store, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q: want worker|enqueue\n", role)
		os.Exit(1)
	}
}

// runEnqueue is a one-shot Job.add_job call, the CLI analogue of an
// application pushing work onto a queue from outside the worker process.
func runEnqueue(rdb *redis.Client, store kvstore.Store, cfg *config.Config, logger *zap.Logger, identifier, queueName string, priority int64, prepend bool) {
	if identifier == "" || queueName == "" {
		fmt.Fprintln(os.Stderr, "enqueue requires -identifier and -queue")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Timeout)
	defer cancel()

	ctx, span := obs.StartEnqueueSpan(ctx, queueName, priority)
	job, err := jobqueue.AddJob(ctx, store, cfg.Namespace, identifier, queueName, priority, prepend, nil)
	span.End()
	if err != nil {
		logger.Error("enqueue failed", obs.Err(err))
		os.Exit(1)
	}
	obs.JobsEnqueued.Inc()
	logger.Info("enqueued",
		obs.String("identifier", job.Identifier),
		obs.Int("pk", int(job.PK)),
		obs.String("status", string(job.Status)),
	)
}

// runWorker drives a single Worker.Run to completion, wiring metrics,
// tracing, and graceful shutdown the way the embedding application is
// expected to: a callback is the only domain-specific piece left to supply.
func runWorker(rdb *redis.Client, store kvstore.Store, cfg *config.Config, logger *zap.Logger) {
	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, store, cfg.Worker.Name, logger)

	w, err := worker.New(worker.Config{
		Worker:         cfg.Worker,
		CircuitBreaker: cfg.CircuitBreaker,
		Callback:       demoCallback(logger),
	}, store, cfg.Namespace, logger)
	if err != nil {
		logger.Error("failed to build worker", obs.Err(err))
		os.Exit(1)
	}

	logger.Info("worker starting", obs.String("id", w.ID()), obs.String("name", cfg.Worker.Name))
	if err := w.Run(ctx); err != nil {
		logger.Error("worker run failed", obs.Err(err))
		os.Exit(1)
	}
}

// demoCallback is a placeholder job handler: the embedding application is
// expected to supply its own via worker.Config.Callback. It logs and
// succeeds unconditionally so `-role worker` is runnable out of the box.
func demoCallback(logger *zap.Logger) worker.Callback {
	return func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (interface{}, error) {
		logger.Info("processing", obs.String("identifier", job.Identifier), obs.String("queue", queue.Name))
		return nil, nil
	}
}
