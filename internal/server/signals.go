package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SignalHandler manages graceful shutdown of the HTTP server
type SignalHandler struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// onShutdown runs before the HTTP server drains, so the scheduler can
	// close its active run first
	onShutdown func()
}

// NewSignalHandler creates a new signal handler
func NewSignalHandler(server *http.Server, shutdownTimeout time.Duration, onShutdown func(), logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		onShutdown:      onShutdown,
		logger:          logger,
	}
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down
func (sh *SignalHandler) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	sh.logger.Info("received signal, shutting down", "signal", sig.String())

	if sh.onShutdown != nil {
		sh.onShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sh.shutdownTimeout)
	defer cancel()

	if err := sh.server.Shutdown(ctx); err != nil {
		sh.logger.Error("forced shutdown after timeout", "error", err)
	} else {
		sh.logger.Info("server shut down cleanly")
	}
}

// HandleSignals starts the server and blocks until shutdown completes
func HandleSignals(server *http.Server, shutdownTimeout time.Duration, onShutdown func(), logger *slog.Logger) error {
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	handler := NewSignalHandler(server, shutdownTimeout, onShutdown, logger)
	handler.WaitForShutdown()
	return nil
}
