// Package admin serves a small read-only HTTP status surface on its
// own port, entirely separate from the TCP wire protocol: /healthz for
// liveness and /status for the process's role, policy, board stats,
// and (on the primary) the replica registry and coordinator counters.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// Status is the JSON document /status returns. Registry and the
// counters are populated only on the primary.
type Status struct {
	Role          string              `json:"role"`
	Policy        string              `json:"policy"`
	ReplicaID     int                 `json:"replica_id"`
	Messages      int                 `json:"messages"`
	Version       int                 `json:"version"`
	Uptime        string              `json:"uptime"`
	Registry      []types.ReplicaInfo `json:"registry,omitempty"`
	NextMessageID int                 `json:"next_message_id,omitempty"`
	LastSent      int                 `json:"last_sent,omitempty"`
}

// Server is the HTTP status server.
type Server struct {
	addr       string
	router     *mux.Router
	httpServer *http.Server
	status     func() Status
	startTime  time.Time
}

// NewServer builds a status server; status is called on every /status
// request to snapshot the live process state.
func NewServer(addr string, status func() Status) *Server {
	s := &Server{
		addr:      addr,
		router:    mux.NewRouter(),
		status:    status,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(logRequests)
	s.router.Use(recoverPanics)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
}

// Start begins serving; it blocks like http.ListenAndServe.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("admin: status server on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	st.Uptime = formatUptime(time.Since(s.startTime))
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
