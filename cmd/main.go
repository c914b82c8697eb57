package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/api"
	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/buildlog"
	"github.com/devdeploy/orchestrator/internal/cache"
	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/container"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/notify"
	"github.com/devdeploy/orchestrator/internal/orchestrator"
	"github.com/devdeploy/orchestrator/internal/pipeline"
	"github.com/devdeploy/orchestrator/internal/queue"
	"github.com/devdeploy/orchestrator/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogging(cfg.LogLevel)

	log.Info().
		Str("database", cfg.DatabasePath).
		Str("addr", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)).
		Str("stageRunner", cfg.StageRunner).
		Msg("starting devdeploy orchestrator")

	// Initialize database
	database, err := db.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	b := broker.New(cfg.SubscriberBufferSize)
	c := cache.New(cfg.RedisURL)
	sink := buildlog.NewSink(database, b)
	registry := pipeline.NewCancelRegistry()

	svc := orchestrator.NewService(database, cfg, b, sink, c, notify.LogDispatcher{}, registry)

	runner := buildRunner(cfg)
	executor := pipeline.NewExecutor(cfg, svc, sink, b, registry, runner)

	manager := queue.NewManager(database, executor, cfg)
	svc.SetQueue(manager)

	ingestor := webhook.NewIngestor(database, cfg, svc, b)
	apiServer := api.NewServer(database, cfg, svc, ingestor, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Builds left running by a previous process cannot be resumed and
	// are settled as failed before the queue starts admitting.
	if err := svc.RecoverInterruptedBuilds(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to recover interrupted builds")
	}

	go manager.Start(ctx)
	ingestor.Start()
	go svc.RunJanitor(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler: apiServer.Router(),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")

	// Stop taking requests first, then drain the workers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	ingestor.Stop()
	cancel()
	manager.Stop()
	b.Close()
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("cache shutdown failed")
	}

	log.Info().Msg("orchestrator stopped")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// buildRunner picks the stage runner. Container stages go through the
// Podman socket when one is configured and reachable, otherwise
// through the CLI binary.
func buildRunner(cfg *config.Config) pipeline.StageRunner {
	if cfg.StageRunner != "container" {
		return pipeline.NewSimulatedRunner(0)
	}

	if cfg.ContainerSocketPath != "" {
		rt, err := container.NewPodmanRuntime(cfg.ContainerSocketPath)
		if err == nil {
			log.Info().Str("socket", cfg.ContainerSocketPath).Msg("using podman socket runtime")
			return pipeline.NewContainerRunner(rt, cfg.WorkspacePath)
		}
		log.Warn().Err(err).
			Str("socket", cfg.ContainerSocketPath).
			Msg("podman socket unavailable, falling back to CLI")
	}

	log.Info().Str("binary", cfg.ContainerBinary).Msg("using container CLI runtime")
	return pipeline.NewContainerRunner(container.NewCLIRuntime(cfg.ContainerBinary), cfg.WorkspacePath)
}
