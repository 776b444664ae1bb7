package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fish-not-phish/FnBox/internal/agent"
	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "fnbox-agent").Logger()

	port := 8080
	if v := os.Getenv("AGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	runtime := os.Getenv("RUNTIME")
	if runtime == "" {
		log.Fatal().Msg("RUNTIME environment variable is required")
	}
	workDir := os.Getenv("AGENT_WORK_DIR")
	if workDir == "" {
		workDir = "/tmp/fnbox-agent"
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", workDir).Msg("failed to create work directory")
	}

	family := functions.Family(runtime)
	executor := agent.NewExecutor(family, workDir, log)
	server := agent.NewServer(executor, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Int("port", port).Str("family", family).Msg("execution agent starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("agent server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
