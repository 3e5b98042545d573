// Package api serves the controller status over HTTP and its readiness over
// the gRPC health protocol.
package api

import (
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/engine/manager"
	"Go2FlowGuard/internal/engine/mitigation"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DeviceLister reports the pipeline state of the connected devices.
type DeviceLister interface {
	Devices() []manager.DeviceStatus
}

// Trainer starts a background training run. It returns
// classifier.ErrTrainingInProgress when a run is already active.
type Trainer func() (<-chan error, error)

// Deps are the sources the handlers read from. Every field is optional; the
// routes of a missing source answer 503, except /metrics which is only
// registered with a registry.
type Deps struct {
	Devices  DeviceLister
	Holder   *classifier.Holder
	Trainer  Trainer
	History  *mitigation.History
	Querier  query.Querier
	Registry *prometheus.Registry
}

// Server holds the dependencies for API handlers.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter()}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/devices", s.devicesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/model", s.modelHandler).Methods(http.MethodGet)
	v1.HandleFunc("/model/retrain", s.retrainHandler).Methods(http.MethodPost)
	v1.HandleFunc("/mitigations", s.mitigationsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/mitigations", s.historyMitigationsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/dataset", s.historyDatasetHandler).Methods(http.MethodGet)

	if deps.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}))
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("API server exited.")
	return nil
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		http.Error(w, "device state is not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Devices.Devices())
}

func (s *Server) modelHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Holder == nil {
		http.Error(w, "classifier is not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Holder.Status())
}

func (s *Server) retrainHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trainer == nil {
		http.Error(w, "training is not configured", http.StatusServiceUnavailable)
		return
	}
	done, err := s.deps.Trainer()
	if errors.Is(err, classifier.ErrTrainingInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to start training: %v", err), http.StatusInternalServerError)
		return
	}
	go func() {
		if err := <-done; err != nil {
			slog.Warn("Retraining failed, keeping the previous model", "error", err)
			return
		}
		slog.Info("Retraining finished")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "training"})
}

func (s *Server) mitigationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.Error(w, "mitigation history is not available", http.StatusServiceUnavailable)
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events := s.deps.History.Recent(limit)
	if events == nil {
		events = []model.MitigationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  s.deps.History.Total(),
		"events": events,
	})
}

func (s *Server) historyMitigationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Querier == nil {
		http.Error(w, "history store is not configured", http.StatusServiceUnavailable)
		return
	}
	f, err := mitigationFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.deps.Querier.Mitigations(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query mitigations: %v", err), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.MitigationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) historyDatasetHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Querier == nil {
		http.Error(w, "history store is not configured", http.StatusServiceUnavailable)
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	until, err := timeParam(r, "until")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := s.deps.Querier.DatasetSummary(r.Context(), since, until)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query dataset: %v", err), http.StatusInternalServerError)
		return
	}
	if summary == nil {
		summary = []query.DatasetSummary{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func mitigationFilter(r *http.Request) (query.MitigationFilter, error) {
	q := r.URL.Query()
	f := query.MitigationFilter{
		SrcIP:   q.Get("src"),
		DstIP:   q.Get("dst"),
		Outcome: q.Get("outcome"),
	}
	if v := q.Get("device"); v != "" {
		id, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return f, fmt.Errorf("invalid device %q", v)
		}
		f.Device = model.DeviceID(id)
	}
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit", query.DefaultLimit); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, v)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps.
func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
