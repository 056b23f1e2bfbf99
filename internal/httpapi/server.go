// Package httpapi is the service's hosting surface: health plus the job
// intake, listing, status and cancel endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/seekhub/doctrans/internal/jobs"
)

type Server struct {
	queue *jobs.Queue

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func NewServer(queue *jobs.Queue, opts ...Option) *Server {
	s := &Server{
		queue: queue,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
}
