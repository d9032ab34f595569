// Package server exposes the feed analyzer over HTTP: submitting
// analysis jobs, polling their status and streaming crawl progress as
// server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/JamesEnglish1028/opds-tools/pkg/config"
	"github.com/JamesEnglish1028/opds-tools/pkg/crawl"
	"github.com/JamesEnglish1028/opds-tools/pkg/repository"
)

// Server represents HTTP server instance
type Server struct {
	config  ConfigProvider
	jobs    JobStore
	crawler Crawler
	version string
	debug   bool

	hub *eventHub

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Crawler runs one feed analysis.
type Crawler interface {
	Crawl(ctx context.Context, startURL string, p crawl.Params) (*crawl.Result, error)
}

// JobStore persists analysis jobs.
type JobStore interface {
	Create(ctx context.Context, job *repository.Job) error
	Get(ctx context.Context, id string) (*repository.Job, error)
	List(ctx context.Context, limit int) ([]repository.Job, error)
	SetRunning(ctx context.Context, id string) error
	SetResult(ctx context.Context, id string, result json.RawMessage) error
	SetError(ctx context.Context, id, msg string) error
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
	GetCrawlConfig() config.CrawlConfig
	GetJobsConfig() config.JobsConfig
}

// New initializes a new server instance
func New(cfg ConfigProvider, jobs JobStore, crawler Crawler, version string, debug bool) *Server {
	s := &Server{
		config:  cfg,
		jobs:    jobs,
		crawler: crawler,
		version: version,
		debug:   debug,
		hub:     newEventHub(),
		router:  routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	lgr.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:        listen,
		Handler:     s.router,
		ReadTimeout: timeout,
		// no WriteTimeout, SSE streams stay open for the crawl duration
	}
	s.lock.Unlock()

	go s.cleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		lgr.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			lgr.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// cleanupLoop purges finished jobs past the retention window.
func (s *Server) cleanupLoop(ctx context.Context) {
	jobsCfg := s.config.GetJobsConfig()
	ticker := time.NewTicker(jobsCfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.jobs.Cleanup(ctx, jobsCfg.Retention)
			if err != nil {
				lgr.Printf("[WARN] job cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				lgr.Printf("[INFO] purged %d expired jobs", n)
			}
		}
	}
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("opds-tools", "JamesEnglish1028", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("POST /analyze", s.analyzeHandler)
		r.HandleFunc("GET /jobs", s.listJobsHandler)
		r.HandleFunc("GET /jobs/{id}", s.getJobHandler)
		r.HandleFunc("GET /jobs/{id}/events", s.jobEventsHandler)
	})
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			lgr.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
