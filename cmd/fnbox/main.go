package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fish-not-phish/FnBox/internal/adapters/docker"
	"github.com/fish-not-phish/FnBox/internal/adapters/gorm"
	"github.com/fish-not-phish/FnBox/internal/adapters/kubernetes"
	"github.com/fish-not-phish/FnBox/internal/config"
	"github.com/fish-not-phish/FnBox/internal/core/functions"
	"github.com/fish-not-phish/FnBox/internal/core/triggers"
	api "github.com/fish-not-phish/FnBox/internal/delivery/http"
	"github.com/fish-not-phish/FnBox/internal/queue"

	_ "github.com/fish-not-phish/FnBox/docs"

	"github.com/rs/zerolog"
)

// @title           FnBox API
// @version         1.0
// @description     Control plane for deploying and invoking functions as a service.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "fnbox").Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("deployment_env", string(cfg.DeploymentEnv)).
		Msg("bootstrapping control plane")

	db, err := gorm.New(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm connect")
	}
	store := functions.NewGormStore(db)

	registry := functions.NewRuntimeRegistry(cfg.ImagePrefix)

	var (
		orchestrator functions.Orchestrator
		resolver     functions.EndpointResolver
	)
	if cfg.DeploymentEnv == config.EnvDocker {
		dcli, err := docker.New(cfg, registry, log)
		if err != nil {
			log.Fatal().Err(err).Msg("docker client init")
		}
		orchestrator = dcli
		resolver = dcli
	} else {
		kcli, err := kubernetes.New(cfg, registry, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		if err := kcli.EnsureNamespace(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("ensure namespace")
		}
		orchestrator = kcli
		resolver = functions.NewKubeResolver(cfg.Namespace, cfg.AgentPort, cfg.InCluster, log)
	}

	gateway := functions.NewGateway(resolver, log)
	mgr := functions.NewManager(store, registry, log)
	coordinator := functions.NewCoordinator(store, orchestrator, gateway, cfg.Namespace, log)

	tasks := queue.New(cfg.RedisAddr, log)
	defer tasks.Close()

	scheduler := triggers.NewScheduler(store, tasks, log)
	coordinator.OnStatusChange(scheduler.ReconcileFunction)

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.SyncAll(ctx); err != nil {
		log.Error().Err(err).Msg("initial trigger sync")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Periodic re-sync heals drift between trigger records and the cron
	// registry.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := scheduler.SyncAll(ctx); err != nil {
					log.Error().Err(err).Msg("trigger sync")
				}
			}
		}
	}()

	worker := queue.NewWorker(tasks, coordinator, log)
	go worker.Run(ctx)

	handler := api.NewHandler(mgr, coordinator, store, orchestrator, scheduler, tasks, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
