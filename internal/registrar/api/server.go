// Package api exposes the admin HTTP surface: binding queries,
// administrative removal, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/registrard/internal/registrar/account"
	"github.com/sebas/registrard/internal/registrar/bindings"
	"github.com/sebas/registrard/internal/registrar/natkeepalive"
	"github.com/sebas/registrard/internal/registrar/store"
)

// Server is the admin HTTP server.
type Server struct {
	manager    *bindings.Manager
	store      store.BindingStore
	accounts   *account.Directory
	keepAlives *natkeepalive.Scheduler
	registry   *prometheus.Registry

	httpSrv *http.Server
}

// NewServer creates the admin server bound to addr.
func NewServer(addr string, manager *bindings.Manager, st store.BindingStore, accounts *account.Directory, keepAlives *natkeepalive.Scheduler, registry *prometheus.Registry) *Server {
	s := &Server{
		manager:    manager,
		store:      st,
		accounts:   accounts,
		keepAlives: keepAlives,
		registry:   registry,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.Health).Methods("GET")
	api.HandleFunc("/bindings", s.ListBindings).Methods("GET")
	api.HandleFunc("/accounts/{id}/bindings", s.GetAccountBindings).Methods("GET")
	api.HandleFunc("/accounts/{id}/bindings", s.RemoveAccountBindings).Methods("DELETE")
	api.HandleFunc("/accounts", s.CreateAccount).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves HTTP in the background.
func (s *Server) Start() error {
	slog.Info("admin API listening", "addr", s.httpSrv.Addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin API server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"accounts":       s.accounts.Len(),
		"keepalive_jobs": s.keepAlives.JobCount(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

// ListBindings returns bindings across all accounts, paged with the
// offset and limit query parameters.
func (s *Server) ListBindings(w http.ResponseWriter, r *http.Request) {
	offset := intQuery(r, "offset", 0)
	limit := intQuery(r, "limit", 100)

	list, err := s.store.FetchMany(r.Context(), store.Filter{}, store.OrderLastUpdateAsc, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.store.Count(r.Context(), store.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"bindings": list,
	})
}

func (s *Server) GetAccountBindings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	list, err := s.manager.GetBindings(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"bindings":   list,
	})
}

func (s *Server) RemoveAccountBindings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := s.manager.RemoveAccountBindings(r.Context(), id, "admin")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"removed":    removed,
	})
}

func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var acc account.Account
	if err := json.NewDecoder(r.Body).Decode(&acc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if acc.ID == "" || acc.Username == "" || acc.Domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": map[string]interface{}{
				"account": "id, username and domain are required",
			},
		})
		return
	}

	s.accounts.Upsert(acc)
	writeJSON(w, http.StatusCreated, acc)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"errors": map[string]interface{}{
			"server": err.Error(),
		},
	})
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
