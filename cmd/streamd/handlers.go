package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
	"github.com/orbitdx/skystream/pkg/redisclient"
	"github.com/orbitdx/skystream/pkg/stream"
	"github.com/orbitdx/skystream/pkg/validation"
)

// Server bundles the HTTP layer's dependencies.
type Server struct {
	svc   *stream.Service
	redis *redisclient.Client
	hub   *Hub
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// sourceParam pulls the {source} route parameter, stripped of whitespace and
// control characters before it reaches logs or Redis key derivation.
func sourceParam(r *http.Request) string {
	return validation.SanitizeString(chi.URLParam(r, "source"))
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.Error("JSON encoding error", zap.Error(err))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{Success: false, Error: message})
}

// healthHandler returns server health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.redis.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "redis connection failed")
		return
	}
	s.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		},
	})
}

// getLatestHandler serves the current payload for one source, optionally
// forcing an inline refresh.
func (s *Server) getLatestHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	res, err := s.svc.GetLatest(r.Context(), source, force)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrUnknownSource):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, stream.ErrNoData):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: res})
}

// getHistoricalHandler serves a cached bounded date range.
func (s *Server) getHistoricalHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)

	params := map[string]string{}
	for _, key := range []string{"start_date", "end_date", "date"} {
		if v := r.URL.Query().Get(key); v != "" {
			params[key] = v
		}
	}
	if len(params) == 0 {
		s.writeError(w, http.StatusBadRequest, "start_date/end_date or date query params required")
		return
	}

	payload, err := s.svc.GetHistorical(r.Context(), source, params)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrUnknownSource):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, stream.ErrHistoricalRange):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: json.RawMessage(payload)})
}

// getStreamsHandler reports every source's runtime state.
func (s *Server) getStreamsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.svc.Status()})
}

// enableStreamHandler starts one stream and broadcasts the change.
func (s *Server) enableStreamHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)
	if err := s.svc.EnableStream(r.Context(), source); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: fmt.Sprintf("stream %s enabled", source)})
}

// disableStreamHandler stops one stream and broadcasts the change.
func (s *Server) disableStreamHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)
	if err := s.svc.DisableStream(r.Context(), source); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: fmt.Sprintf("stream %s disabled", source)})
}

// updateStreamHandler merges a partial config into one source.
func (s *Server) updateStreamHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)

	var upd models.SourceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}
	if err := s.svc.UpdateStreamConfig(r.Context(), source, upd); err != nil {
		if errors.Is(err, stream.ErrUnknownSource) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: fmt.Sprintf("stream %s updated", source)})
}

// refreshStreamHandler forces one out-of-band fetch-and-publish cycle.
func (s *Server) refreshStreamHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceParam(r)
	if err := s.svc.Refresh(r.Context(), source); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: fmt.Sprintf("stream %s refreshed", source)})
}

// getStatsHandler returns the current metrics snapshot.
func (s *Server) getStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.svc.MetricsSnapshot()})
}

// metricsMiddleware records request counts and latencies per route.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(rec.status)
		metrics.APIRequestTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, routePattern, status).
			Observe(time.Since(start).Seconds())
	})
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
