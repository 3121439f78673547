// Package server exposes the scheduler over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quarrylabs/quarry/internal/catalog"
	"github.com/quarrylabs/quarry/internal/scheduler"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Manager    *scheduler.Manager
	Catalog    *catalog.Store // optional; repo routes 404 without it
	Resolver   catalog.MetadataResolver
	ListenAddr string
	Out        io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Manager == nil {
		return fmt.Errorf("server: manager is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}

	router := newRouter(opts)

	srv := &http.Server{
		Addr:    opts.ListenAddr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Quarry API listening on %s\n", opts.ListenAddr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
