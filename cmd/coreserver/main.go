// Command coreserver is the composition root for the function
// deployment and invocation engine: it wires the State Store (C8),
// Container Runtime Port (C1, either cliengine or sidecar), Filesystem
// Port (C2), Deployment Orchestrator (C5), Invocation Engine (C6), and
// Signature Verifier (C7) into the HTTP API and starts listening.
// Grounded on the teacher's own composition pattern of building its
// dependencies once in main and passing them down explicitly, rather
// than package-level singletons.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dartcloud/core/internal/api"
	"github.com/dartcloud/core/internal/config"
	"github.com/dartcloud/core/internal/deploy"
	"github.com/dartcloud/core/internal/fsport"
	"github.com/dartcloud/core/internal/invoke"
	"github.com/dartcloud/core/internal/logging"
	"github.com/dartcloud/core/internal/runtime"
	"github.com/dartcloud/core/internal/runtime/cliengine"
	"github.com/dartcloud/core/internal/runtime/sidecar"
	"github.com/dartcloud/core/internal/signing"
	"github.com/dartcloud/core/internal/store"
	"github.com/dartcloud/core/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("coreserver exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel)
	logger.Info("starting coreserver", "version", version.Get())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	rt := buildRuntime(cfg)
	// RuntimeUnavailable at startup is fatal, per §7.
	if !rt.Available(ctx) {
		return errors.New("container runtime is not available at startup")
	}

	fs := fsport.New()
	deployer := deploy.New(fs, st, rt, cfg.ContainerBaseImage, "")
	invoker := invoke.New(fs, st, rt, invoke.Config{
		FunctionsRootHost:      cfg.FunctionsDataBaseHostDir,
		FunctionsRootContainer: cfg.FunctionsDir,
		SharedVolumeName:       cfg.SharedVolumeName,
		MaxConcurrent:          cfg.FunctionMaxConcurrent,
		TimeoutMS:              cfg.FunctionTimeoutSeconds * 1000,
		MemoryMB:               cfg.FunctionMaxMemoryMB,
		FunctionDatabaseURL:    cfg.FunctionDatabaseURL,
	})
	verifier := signing.New(st, cfg.JWTSecret)

	handler := api.New(st, deployer, invoker, verifier, cfg.FunctionMaxRequestSizeMB)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.FunctionTimeoutSeconds+30) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "runtime_mode", cfg.ContainerRuntimeMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildRuntime(cfg config.Config) runtime.Runtime {
	switch cfg.ContainerRuntimeMode {
	case config.RuntimeModeSidecar:
		return sidecar.NewClient(cfg.ContainerSocketPath, cfg.ContainerSidecarPath)
	default:
		return cliengine.New("")
	}
}
