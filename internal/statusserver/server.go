package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"testenvctl/internal/reporting"
	"testenvctl/pkg/logging"
)

// EnvironmentStatus is the aggregate readiness of one environment. Ready is
// true iff every component is ready and at least one component exists.
type EnvironmentStatus struct {
	Ready           bool                        `json:"ready"`
	Components      []reporting.ComponentRecord `json:"components"`
	TotalComponents int                         `json:"totalComponents"`
	ReadyComponents int                         `json:"readyComponents"`
	StartTime       time.Time                   `json:"startTime"`
	LastUpdate      time.Time                   `json:"lastUpdate"`
}

// Aggregate computes the environment status from the component store.
func Aggregate(store *reporting.Store) EnvironmentStatus {
	ready, total := store.Counts()
	return EnvironmentStatus{
		Ready:           total > 0 && ready == total,
		Components:      store.Snapshot(),
		TotalComponents: total,
		ReadyComponents: ready,
		StartTime:       store.StartTime(),
		LastUpdate:      store.LastUpdate(),
	}
}

// Server is the embedded status coordination endpoint. One instance exists
// per environment; it binds an ephemeral loopback port and advertises
// itself through the discovery record.
type Server struct {
	store    *reporting.Store
	dir      string
	workerID string

	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// NewServer creates a server over the given component store. dir is the
// discovery directory; workerID namespaces the record.
func NewServer(store *reporting.Store, dir, workerID string) *Server {
	return &Server{store: store, dir: dir, workerID: workerID}
}

// Start binds an ephemeral loopback port, begins serving, and writes the
// discovery record. It returns the bound port.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind status server: %w", err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.httpSrv = &http.Server{Handler: s.routes()}
	// Capture the server locally: Stop clears s.httpSrv, and the goroutine
	// may not have been scheduled yet when that happens.
	httpSrv := s.httpSrv
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("StatusServer", err, "Status server stopped unexpectedly")
		}
	}()

	if err := writeDiscoveryRecord(s.dir, s.workerID, s.port); err != nil {
		_ = s.httpSrv.Close()
		return 0, err
	}

	logging.Info("StatusServer", "Status server for worker %s listening on 127.0.0.1:%d", s.workerID, s.port)
	return s.port, nil
}

// Port returns the bound port; zero before Start.
func (s *Server) Port() int {
	return s.port
}

// UpdateComponent upserts one component record in the owning process.
// Cross-process writers use POST /status/{component} instead.
func (s *Server) UpdateComponent(rec reporting.ComponentRecord) {
	s.store.Update(rec)
}

// Status returns the current aggregate.
func (s *Server) Status() EnvironmentStatus {
	return Aggregate(s.store)
}

// Stop shuts the HTTP server down and removes the discovery record. Safe to
// call when Start never ran or already stopped.
func (s *Server) Stop(ctx context.Context) error {
	if err := removeDiscoveryRecord(s.dir, s.workerID); err != nil {
		logging.Warn("StatusServer", "Could not remove discovery record: %v", err)
	}
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	if err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	logging.Info("StatusServer", "Status server for worker %s stopped", s.workerID)
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})

	r.Post("/status/{component}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "component")

		var rec reporting.ComponentRecord
		if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
			http.Error(w, fmt.Sprintf("invalid component record: %v", err), http.StatusBadRequest)
			return
		}
		// The URL is authoritative for the component name.
		rec.Name = name
		s.store.Update(rec)
		writeJSON(w, http.StatusOK, s.Status())
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("StatusServer", err, "Failed to encode response")
	}
}
