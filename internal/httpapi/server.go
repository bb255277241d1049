// Package httpapi exposes the ingest endpoint, a read-only listing view
// and the operational surface (health, metrics).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/ingest"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

// Server is the HTTP front-end. Scrapers push captures here; everything
// else flows through the queue workers.
type Server struct {
	http     *http.Server
	store    *store.Store
	ingestor *ingest.Ingestor
	cfg      config.ServerConfig
}

func NewServer(st *store.Store, ingestor *ingest.Ingestor, cfg config.ServerConfig) *Server {
	s := &Server{store: st, ingestor: ingestor, cfg: cfg}

	r := mux.NewRouter()
	r.Use(requestLogger)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/listings", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/listings/{id}", s.handleGetListing).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit accepts one scraper observation. 202 on success: the
// pipeline processes asynchronously.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rawID, err := s.ingestor.Submit(r.Context(), sub)
	if err != nil {
		var ie *model.InvariantError
		switch {
		case errors.As(err, &ie):
			writeError(w, http.StatusUnprocessableEntity, ie.Error())
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown source")
		default:
			log.Error().Err(err).Msg("submission failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"raw_id": rawID.String()})
}

// handleGetListing returns the normalized listing with its score and
// market analysis when present.
func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	listing, err := s.store.Listings.GetByID(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("listing lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := struct {
		Listing     *model.NormalizedListing `json:"listing"`
		Score       *model.Score             `json:"score,omitempty"`
		Comparables *model.Comparables       `json:"comparables,omitempty"`
	}{Listing: listing}

	if sc, err := s.store.Scores.GetByListing(r.Context(), id); err == nil {
		resp.Score = sc
	}
	if c, err := s.store.Comps.GetByListing(r.Context(), id); err == nil {
		resp.Comparables = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
