// Package server exposes the live view: a websocket feed of decoded samples,
// a small JSON API and the prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ConfigSource renders the running configuration for the API.
type ConfigSource interface {
	Redacted() ([]byte, error)
}

// Options wires the server to the rest of the process.
type Options struct {
	ListenAddr string
	Hub        *Hub
	Config     ConfigSource
	Gatherer   prometheus.Gatherer
	WebFS      fs.FS
	// State reports the poll loop state for /health.
	State func() string
	// Version is reported by /health.
	Version string
}

// Server serves the live view.
type Server struct {
	opts Options
	log  logrus.FieldLogger
	mux  *http.ServeMux
}

// New creates a new Server.
func New(opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(log)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts: opts,
		log:  log.WithField("component", "server"),
		mux:  http.NewServeMux(),
	}

	// Serve embedded web files
	if opts.WebFS != nil {
		s.mux.Handle("/", http.FileServer(http.FS(opts.WebFS)))
	}

	// WebSocket endpoint
	s.mux.Handle("/ws", opts.Hub)

	// API
	s.mux.HandleFunc("/api/config", s.handleConfig)
	s.mux.HandleFunc("/api/latest", s.handleLatest)
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.opts.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Config == nil {
		http.Error(w, "no config", http.StatusNotFound)
		return
	}
	data, err := s.opts.Config.Redacted()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, Message{Samples: s.opts.Hub.Latest(), Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.opts.State != nil {
		state = s.opts.State()
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"state":   state,
		"clients": s.opts.Hub.Clients(),
		"version": s.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
