// Package httpapi serves the read-only operator surface plus the emergency
// halt endpoints and the Prometheus exposition.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/halt"
	"github.com/phoenixdesk/phoenix/internal/position"
	"github.com/phoenixdesk/phoenix/internal/reconcile"
)

// Server exposes kernel state over HTTP. Everything except the halt
// endpoints is read-only.
type Server struct {
	router     *mux.Router
	server     *http.Server
	mesh       *halt.Mesh
	tracker    *position.Tracker
	reconciler *reconcile.Reconciler
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer wires the operator surface. Host defaults to local-only.
func NewServer(host string, port int, mesh *halt.Mesh, tracker *position.Tracker, reconciler *reconcile.Reconciler, hub *Hub) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	s := &Server{
		router:     mux.NewRouter(),
		mesh:       mesh,
		tracker:    tracker,
		reconciler: reconciler,
		hub:        hub,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/halt", s.handleHaltStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/halt", s.handleGlobalHalt).Methods(http.MethodPost)
	s.router.HandleFunc("/halt/clear", s.handleClearAll).Methods(http.MethodPost)
	s.router.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/drifts", s.handleDrifts).Methods(http.MethodGet)
	s.router.HandleFunc("/drifts/{id}/resolve", s.handleResolveDrift).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/events", s.handleEvents)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("operator HTTP server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	halted := 0
	for _, st := range s.mesh.Status() {
		if st.Halted {
			halted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"halted_modules": halted,
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleHaltStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mesh.Status())
}

func (s *Server) handleGlobalHalt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator emergency halt"
	}
	report := s.mesh.GlobalHalt(body.Reason)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator clear"
	}
	s.mesh.ClearAll(body.Reason)
	writeJSON(w, http.StatusOK, s.mesh.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		writeJSON(w, http.StatusOK, s.tracker.All())
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Active())
}

func (s *Server) handleDrifts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.Drifts())
}

func (s *Server) handleResolveDrift(w http.ResponseWriter, r *http.Request) {
	driftID := mux.Vars(r)["id"]
	var body struct {
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.reconciler.ResolveDrift(driftID, body.Resolution, body.ResolvedBy); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleEvents streams alert and audit events over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msg("websocket subscriber gone")
				return
			}
		}
	}
}
