// Package server exposes the HTTP API: job submission and inspection,
// recommendation actions, version history and reverts, and the audit
// trail. All mutations go through the same stores the workers use, so
// conflict semantics are identical regardless of entry point.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gradeline/codebook/internal/queue"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB    *gorm.DB
	Queue *queue.Queue
	Port  int
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Queue == nil {
		return fmt.Errorf("server: queue is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.DB, opts.Queue)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all routes registered. Split out
// from Start so tests can drive it with httptest.
func NewRouter(db *gorm.DB, q *queue.Queue) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, db, q)
	return router
}
