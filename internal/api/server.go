// Package api exposes the vapiorcd HTTP control plane: the operator API
// under /api/vms and the in-guest readiness webhook under /webhook.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/config"
	"github.com/vapiorc/vapiorc/internal/lifecycle"
	"github.com/vapiorc/vapiorc/internal/macs"
	"github.com/vapiorc/vapiorc/internal/version"
)

// Server is the vapiorcd HTTP API server.
type Server struct {
	cfg    *config.Config
	mgr    *lifecycle.Manager
	macreg *macs.Registry
	log    *logrus.Entry
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, mgr *lifecycle.Manager, macreg *macs.Registry, log *logrus.Entry) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		macreg: macreg,
		log:    log.WithField("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/vms/golden-images", s.handleCreateGoldenImage)
	s.mux.HandleFunc("POST /api/vms/golden-images/{gid}/ready", s.handleFinalizeGoldenImage)
	s.mux.HandleFunc("POST /api/vms/instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /api/vms/instances", s.handleListInstances)
	s.mux.HandleFunc("POST /api/vms/assign", s.handleAssign)
	s.mux.HandleFunc("POST /api/vms/instances/{iid}/release", s.handleDestroyInstance)
	s.mux.HandleFunc("DELETE /api/vms/instances/{iid}", s.handleDestroyInstance)
	s.mux.HandleFunc("POST /api/vms/hot-spares/ensure", s.handleEnsureHotSpares)

	s.mux.HandleFunc("POST /webhook/ready/{vm_type}", s.handleWebhookReady)
	s.mux.HandleFunc("GET /webhook/status/{vm_type}", s.handleWebhookStatus)
}

// Start begins listening on the configured TCP address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.log.WithField("addr", ln.Addr().String()).Info("API listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "vapiorc",
		"version": version.Version(),
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
