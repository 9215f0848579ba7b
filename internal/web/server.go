// Package web exposes the connectivity core over HTTP: JSON commands in, a
// WebSocket state stream out. No UI lives here; presentation belongs to the
// consuming application.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"blelink/internal/device"
	"blelink/internal/store"
	"blelink/internal/supervisor"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// PairingStore remembers the last pairing across daemon restarts. The store
// package implements it.
type PairingStore interface {
	SaveLastPairing(p device.Peripheral, creds device.WifiCredentials) error
	LastPairing() (*store.Pairing, error)
	Clear() error
}

// WithPairingStore persists submitted pairings and exposes them on
// /api/last-pairing.
func WithPairingStore(st PairingStore) ServerOption {
	return func(s *Server) {
		s.pairings = st
	}
}

// Server is the HTTP surface over the supervisor.
type Server struct {
	sup            *supervisor.Supervisor
	hub            *streamHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	pairings       PairingStore
	cancelWatch    context.CancelFunc
}

// NewServer creates the server and starts forwarding state transitions to
// WebSocket clients.
func NewServer(sup *supervisor.Supervisor, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sup:    sup,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newStreamHub(s.logger)
	go s.hub.run()

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel
	go func() {
		for st := range sup.Watch(watchCtx) {
			s.hub.broadcast(st)
		}
	}()

	s.mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	s.mux.HandleFunc("POST /api/select", s.auth(s.handleSelect))
	s.mux.HandleFunc("POST /api/pair", s.auth(s.handlePair))
	s.mux.HandleFunc("POST /api/retry", s.auth(s.handleRetry))
	s.mux.HandleFunc("POST /api/forget", s.auth(s.handleForget))
	s.mux.HandleFunc("GET /api/hotspot", s.auth(s.handleHotspot))
	s.mux.HandleFunc("GET /api/network", s.auth(s.handleNetwork))
	s.mux.HandleFunc("GET /api/ws", s.auth(s.handleWS))
	if s.pairings != nil {
		s.mux.HandleFunc("GET /api/last-pairing", s.auth(s.handleLastPairing))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Stop shuts down the state forwarder and the WebSocket hub.
func (s *Server) Stop() {
	s.cancelWatch()
	s.hub.stop()
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.sup.State(),
		"version": s.version,
	})
}

type selectRequest struct {
	Peripheral device.Peripheral `json:"peripheral"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Peripheral.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "peripheral.id is required"})
		return
	}
	s.sup.SelectPeripheral(req.Peripheral)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pairRequest struct {
	Peripheral  device.Peripheral      `json:"peripheral"`
	Credentials device.WifiCredentials `json:"credentials"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Peripheral.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "peripheral.id is required"})
		return
	}
	if req.Credentials.SSID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "credentials.ssid is required"})
		return
	}
	if derr := s.sup.StartPairing(req.Peripheral, req.Credentials); derr != nil {
		s.writeError(w, derr)
		return
	}
	if s.pairings != nil {
		if err := s.pairings.SaveLastPairing(req.Peripheral, req.Credentials); err != nil {
			s.logger.Warn("save last pairing", "err", err)
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if derr := s.sup.Retry(); derr != nil {
		s.writeError(w, derr)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing"})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	s.sup.Forget()
	if s.pairings != nil {
		if err := s.pairings.Clear(); err != nil {
			s.logger.Warn("clear last pairing", "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLastPairing(w http.ResponseWriter, r *http.Request) {
	p, err := s.pairings.LastPairing()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing saved"})
			return
		}
		s.logger.Error("load last pairing", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store failure"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHotspot(w http.ResponseWriter, r *http.Request) {
	creds, derr := s.sup.HotspotCredentials(r.Context())
	if derr != nil {
		s.writeError(w, derr)
		return
	}
	s.writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	status, derr := s.sup.QueryNetworkStatus(r.Context())
	if derr != nil {
		s.writeError(w, derr)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, derr *device.Error) {
	var code int
	switch derr.Code {
	case device.CodePairingInProgress, device.CodeMissingSession:
		code = http.StatusConflict
	case device.CodePermissionDenied:
		code = http.StatusForbidden
	case device.CodeTimeout:
		code = http.StatusGatewayTimeout
	case device.CodeProvisioningFailed:
		code = http.StatusUnprocessableEntity
	default:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, map[string]any{"error": derr})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "err", err)
	}
}
