package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const DefaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful shutdown and the cleanup functions.
	ShutdownTimeout time.Duration
	// CleanupFuncs are called concurrently once the server has shut down.
	CleanupFuncs []func(ctx context.Context)
}

// Run serves until ctx is done, then shuts the server down and runs the cleanup functions.
// Listening errors are returned as soon as they occur.
func (s *Server) Run(ctx context.Context) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	serveErr := make(chan error, 1)
	go func() {
		s.Logger.Info(fmt.Sprintf("server started at %s", s.Addr))
		serveErr <- s.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exit: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.Shutdown(shutdownCtx)
	if err != nil {
		err = fmt.Errorf("server shutdown: %w", err)
	}

	var wg sync.WaitGroup
	for _, f := range s.CleanupFuncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(shutdownCtx)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.Logger.Info("server shut down gracefully")
	case <-shutdownCtx.Done():
		s.Logger.Warn("graceful shutdown timed out")
		if err == nil {
			err = shutdownCtx.Err()
		}
	}
	return err
}
