// Package api serves the HTTP surface of a farplay process: session stats,
// chat and stream controls, Prometheus metrics and, on a WebSocket host,
// the /play endpoint peers connect to.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/farplay/internal/certs"
	"github.com/zsiec/farplay/internal/engine"
	"github.com/zsiec/farplay/internal/protocol"
	"github.com/zsiec/farplay/internal/session"
)

// DefaultHistory is the number of notifications kept for /api/notifications.
const DefaultHistory = 50

// Controller is the part of the engine the API drives.
type Controller interface {
	Snapshot() engine.Stats
	SendMessage(text string) (uint64, error)
	RequestDownsample(on bool) error
	SetPaused(paused bool) error
}

var _ Controller = (*engine.Engine)(nil)

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Engine   Controller
	Gatherer prometheus.Gatherer

	// Play is mounted at /play when set.
	Play http.Handler

	// Cert and Addr are advertised at /api/cert-hash so clients can pin the
	// QUIC host certificate.
	Cert    *certs.CertInfo
	Addr    string
	History int
	Log     *slog.Logger
}

// Server routes the API requests.
type Server struct {
	cfg    ServerConfig
	log    *slog.Logger
	router chi.Router

	mu    sync.Mutex
	notes []session.Notification
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/session", s.handleSession)
	r.Get("/api/notifications", s.handleNotifications)
	r.Get("/api/cert-hash", s.handleCertHash)
	r.Post("/api/message", s.handleMessage)
	r.Post("/api/downsample", s.handleDownsample)
	r.Post("/api/pause", s.handlePause)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	if cfg.Play != nil {
		r.Handle("/play", cfg.Play)
	}
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Record appends a notification to the history served by the API.
func (s *Server) Record(n session.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notes) == s.cfg.History {
		copy(s.notes, s.notes[1:])
		s.notes = s.notes[:len(s.notes)-1]
	}
	s.notes = append(s.notes, n)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps engine and session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotExchanging), errors.Is(err, engine.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, engine.ErrWrongRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.Snapshot())
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]session.Notification{}, s.notes...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Hex  string `json:"hex"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.cfg.Cert.FingerprintBase64(),
		Hex:  s.cfg.Cert.FingerprintHex(),
		Addr: s.cfg.Addr,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	id, err := s.cfg.Engine.SendMessage(req.Text)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleDownsample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Engine.RequestDownsample(req.Enabled); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.log.Info("downsample requested via API", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Engine.SetPaused(req.Paused); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}
