// Command engine runs the driftcast live transcoding engine: it reconciles
// orphaned sessions, then serves the ingest and ops endpoints until
// interrupted.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftcast/internal/config"
	"driftcast/internal/ingest"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/probe"
	"driftcast/internal/queue"
	"driftcast/internal/recovery"
	"driftcast/internal/session"
	"driftcast/internal/serverutil"
	"driftcast/internal/store"
)

func main() {
	envFile := flag.String("env-file", "", "optional .env file loaded before the environment")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	var paths []string
	if *envFile != "" {
		paths = append(paths, *envFile)
	}
	snap, err := config.Load(paths...)
	if err != nil {
		logging.Init(logging.Config{}).Error("configuration load failed", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		snap.ListenAddr = *listenAddr
	}

	logger := logging.Init(logging.Config{Level: snap.LogLevel, Format: snap.LogFormat})
	if err := snap.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	recorder := metrics.New()

	var st store.Store
	if snap.PostgresDSN != "" {
		pgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		st, err = store.NewPostgresStore(pgCtx, store.PostgresConfig{DSN: snap.PostgresDSN, ApplicationName: "driftcast-engine"})
		cancel()
		if err != nil {
			logger.Error("postgres store init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("using postgres metadata store")
	} else {
		st, err = store.NewJSONStore(snap.DataFile)
		if err != nil {
			logger.Error("json store init failed", "error", err, "path", snap.DataFile)
			os.Exit(1)
		}
		logger.Info("using json metadata store", "path", snap.DataFile)
	}

	var jobQueue queue.Queue
	if snap.QueueBackend == "redis" {
		jobQueue, err = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:   snap.RedisAddr,
			Stream: snap.RedisStream,
			Group:  snap.RedisGroup,
			Logger: logger,
		})
		if err != nil {
			logger.Error("redis queue init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("using redis job queue", "stream", snap.RedisStream)
	} else {
		jobQueue = queue.NewMemoryQueue(0)
		logger.Info("using in-memory job queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconcile crashed sessions before the listener opens so no new
	// ingest can race the cleanup.
	if err := recovery.Run(ctx, recovery.Config{
		Config:  snap,
		Store:   st,
		Metrics: recorder,
		Logger:  logger,
	}); err != nil {
		logger.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		Config:  snap,
		Store:   st,
		Queue:   jobQueue,
		Metrics: recorder,
		Logger:  logger,
		Prober:  &probe.FFprobe{Binary: snap.FFprobePath},
	})
	if err != nil {
		logger.Error("session manager init failed", "error", err)
		os.Exit(1)
	}

	controller := ingest.NewController(manager, recorder, logger)
	srv := &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           controller.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("driftcast engine listening", "addr", snap.ListenAddr)
	runErr := serverutil.Run(ctx, serverutil.Config{Server: srv})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	if err := jobQueue.Close(); err != nil {
		logger.Warn("job queue close failed", "error", err)
	}
	if err := st.Close(shutdownCtx); err != nil {
		logger.Warn("metadata store close failed", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("driftcast engine stopped")
}
