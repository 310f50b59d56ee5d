// Command halcyond is the halcyon server binary: it loads configuration,
// wires the application root, and serves the HTTP surface of spec §6 until
// signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"halcyon/internal/api"
	"halcyon/internal/app"
	"halcyon/internal/config"
	"halcyon/internal/inference/ollama"
	"halcyon/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a halcyon config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	format := logging.FormatText
	if cfg.Server.LogFormat == config.LogJSON {
		format = logging.FormatJSON
	}
	logging.Configure(format, os.Stderr, slog.LevelInfo)
	logger := logging.NewComponentLogger("halcyond")

	if err := run(cfg, logger); err != nil {
		logger.Error("halcyond exited: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger logging.Logger) error {
	ctx := context.Background()

	backend := ollama.New(cfg.Inference.BackendURL, cfg.Inference.Timeout)
	root, err := app.New(ctx, cfg, app.Ports{Inference: backend})
	if err != nil {
		return fmt.Errorf("construct application root: %w", err)
	}
	defer root.Shutdown(context.Background())

	if err := root.Start(ctx); err != nil {
		return fmt.Errorf("start periodic tasks: %w", err)
	}

	router := api.NewRouter(root, cfg.Environment == config.Development)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindHost, cfg.Server.Port),
		Handler:      router.Engine(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return serveUntilSignal(server, cfg.Server.ShutdownGrace, logger)
}

func serveUntilSignal(server *http.Server, grace time.Duration, logger logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("halcyond listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("shutting down halcyond...")
		if grace <= 0 {
			grace = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		return serveErr
	}
}
