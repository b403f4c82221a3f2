// Package dashboard serves a read-only HTTP view of live sessions and the
// persona catalog.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parlor/internal/persona"
	"github.com/zulandar/parlor/internal/session"
)

// SessionSource lists the current sessions. session.Store satisfies it.
type SessionSource interface {
	All() []session.Session
}

// PersonaSource describes the persona catalog. persona.DirCatalog satisfies it.
type PersonaSource interface {
	List() []string
	Config(name string) persona.Config
	QAPairs(name string) []persona.QAPair
	MediaIndex(name string) []persona.MediaItem
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Sessions      SessionSource
	Personas      PersonaSource
	Port          int
	Out           io.Writer
	StatsInterval time.Duration // SSE push period (default 5s)
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewHandler builds the gin engine with every route registered.
func NewHandler(opts StartOpts) (http.Handler, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("dashboard: session source is required")
	}
	if opts.Personas == nil {
		return nil, fmt.Errorf("dashboard: persona source is required")
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
