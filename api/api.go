// Package api serves entity states and device configuration over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-ble-advert-exporter/device"
	"github.com/robertof/go-ble-advert-exporter/entity"
	"github.com/robertof/go-ble-advert-exporter/flow"
	"github.com/robertof/go-ble-advert-exporter/store"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second

	maxBodySize = 1 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type States interface {
	States() []entity.State
	State(entityID string) (entity.State, bool)
}

type Flow interface {
	Form(filter string) flow.Form
	Submit(address string) (store.Entry, error)
	RemoveEntry(entryID string) (store.Entry, error)
	UpdateOptions(entryID string, opts store.Options) (store.Entry, error)
}

type Entries interface {
	List() []store.Entry
}

type Server struct {
	states  States
	flow    Flow
	entries Entries
	router  *mux.Router
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type createEntryRequest struct {
	Address string `json:"address"`
}

// New builds the router. gatherer may be nil to leave out /metrics.
func New(states States, f Flow, entries Entries, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		states:  states,
		flow:    f,
		entries: entries,
		router:  mux.NewRouter(),
	}

	s.setupRoutes(gatherer)

	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/api/states", s.getStates).Methods(http.MethodGet)
	s.router.HandleFunc("/api/states/{entity_id}", s.getState).Methods(http.MethodGet)

	s.router.HandleFunc("/api/config/flow/devices", s.getDevices).Methods(http.MethodGet)

	s.router.HandleFunc("/api/config/entries", s.listEntries).Methods(http.MethodGet)
	s.router.HandleFunc("/api/config/entries", s.createEntry).Methods(http.MethodPost)
	s.router.HandleFunc("/api/config/entries/{entry_id}", s.deleteEntry).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/config/entries/{entry_id}/options", s.updateOptions).Methods(http.MethodPut)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.Use(logRequests)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("ListenAddress", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info().Msg("HTTP server stopped")

	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		log.Debug().
			Str("Method", r.Method).
			Str("Path", r.URL.Path).
			Dur("Took", time.Since(start)).
			Msg("api: request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error(), Status: status})
}

// writeFlowError maps domain errors to status codes and error codes.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, device.ErrInvalidAddress.Error(), err)
	case errors.Is(err, device.ErrAlreadyConfigured):
		writeError(w, http.StatusConflict, device.ErrAlreadyConfigured.Error(), err)
	case errors.Is(err, device.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, "invalid_rule", err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	default:
		log.Error().Err(err).Msg("api: request failed")
		writeError(w, http.StatusInternalServerError, "unknown", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (s *Server) getStates(w http.ResponseWriter, _ *http.Request) {
	states := s.states.States()

	if states == nil {
		states = []entity.State{}
	}

	writeJSON(w, http.StatusOK, states)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["entity_id"]

	st, ok := s.states.State(id)

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", errors.New("unknown entity "+id))
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flow.Form(r.URL.Query().Get("filter")))
}

func (s *Server) listEntries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.entries.List())
}

func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest

	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	e, err := s.flow.Submit(req.Address)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.flow.RemoveEntry(mux.Vars(r)["entry_id"])
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (s *Server) updateOptions(w http.ResponseWriter, r *http.Request) {
	var opts store.Options

	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	e, err := s.flow.UpdateOptions(mux.Vars(r)["entry_id"], opts)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}
