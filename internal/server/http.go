package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
)

// maxBodySize bounds request bodies; a data point update is a small object
const maxBodySize = 64 * 1024

// Error is the body of every non-2xx response
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeNotConnected = "not_connected"
)

// DeviceView is the JSON form of a session
type DeviceView struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	IP        string       `json:"ip,omitempty"`
	Version   string       `json:"version"`
	Connected bool         `json:"connected"`
	State     protocol.DPS `json:"state"`
}

func viewOf(s *device.Session) DeviceView {
	cfg := s.Config()
	return DeviceView{
		ID:        s.ID(),
		Name:      cfg.Name,
		IP:        cfg.IP,
		Version:   string(s.Version()),
		Connected: s.Connected(),
		State:     s.State(),
	}
}

// routes builds the API router
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.events.handle)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/state", s.handleGetState)
				r.Post("/dps", s.handleSetDPS)
			})
		})
	})

	return r
}

// requestLogger logs each request through the package logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"devices": len(s.hub.Sessions()),
		"clients": s.events.clientCount(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	sessions := s.hub.Sessions()
	out := make([]DeviceView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*device.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.hub.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown device "+id)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, viewOf(sess))
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, sess.State())
	}
}

// handleSetDPS forwards a JSON object of data points to the device. The
// response only says whether a frame was sent; the resulting state arrives
// as a change event.
func (s *Server) handleSetDPS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	dps, err := protocol.DecodeDPS(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object of data points")
		return
	}

	if !sess.Update(dps) {
		writeError(w, http.StatusConflict, ErrCodeNotConnected, device.ErrNotConnected.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logging.Debug("Failed to write response", zap.Error(err))
		}
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}
