// Package server provides the HTTP control API and WebSocket mount.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/config"
	"github.com/GriffinCanCode/earshot/internal/hub"
	"github.com/GriffinCanCode/earshot/internal/pipeline"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/trace"
	"github.com/GriffinCanCode/earshot/internal/voice"
)

// Server exposes the control API over the pipeline's components.
type Server struct {
	pipe     *pipeline.Pipeline
	registry *voice.Registry
	hub      *hub.Hub
	monitor  *resilience.Monitor
	started  time.Time
}

// New creates a server.
func New(pipe *pipeline.Pipeline, registry *voice.Registry, h *hub.Hub, monitor *resilience.Monitor) *Server {
	return &Server{
		pipe:     pipe,
		registry: registry,
		hub:      h,
		monitor:  monitor,
		started:  time.Now(),
	}
}

// Handler returns the HTTP handler with CORS and trace middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.hub.ServeWS)

	// Control API
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	mux.HandleFunc("PUT /config/sensitivity", s.handlePutSensitivity)
	mux.HandleFunc("POST /config/keywords", s.handlePostKeyword)
	mux.HandleFunc("GET /profiles", s.handleListProfiles)
	mux.HandleFunc("POST /profiles", s.handleCreateProfile)
	mux.HandleFunc("PUT /profiles/{id}", s.handleRenameProfile)
	mux.HandleFunc("DELETE /profiles/{id}", s.handleDeleteProfile)
	mux.HandleFunc("GET /errors", s.handleErrors)

	// Prometheus scrape endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.started).String(),
		"connections": s.hub.ActiveCount(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Config())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.pipe.ApplyConfig(cfg)
	trace.Logger(r.Context()).Info("configuration replaced via API")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (s *Server) handlePutSensitivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level float64 `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Level < 0 || body.Level > 1 {
		writeError(w, http.StatusBadRequest, "level must be in [0,1]")
		return
	}

	cfg := s.pipe.Config()
	cfg.Sensitivity = body.Level
	s.pipe.ApplyConfig(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sensitivity": body.Level})
}

func (s *Server) handlePostKeyword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword must not be empty")
		return
	}

	cfg := s.pipe.Config()
	cfg.AttentionKeywords = appendUnique(cfg.AttentionKeywords, body.Keyword)
	s.pipe.ApplyConfig(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "keywords": cfg.AttentionKeywords})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profiles": s.registry.List()})
}

// createProfileRequest carries base64-encoded 16-bit PCM training frames.
type createProfileRequest struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Frames []string `json:"frames"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var body createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	frames := make([][]float64, 0, len(body.Frames))
	for i, enc := range body.Frames {
		pcm, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "frame "+strconv.Itoa(i)+" is not valid base64")
			return
		}
		frames = append(frames, audio.DecodePCM16(pcm))
	}

	profile, err := s.registry.Add(body.ID, body.Name, frames)
	if errors.Is(err, voice.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	trace.Logger(r.Context()).Info("voice profile created", "profile", profile.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "profile": profile})
}

func (s *Server) handleRenameProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if err := s.registry.Rename(r.PathValue("id"), body.Name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Remove(id) {
		writeError(w, http.StatusNotFound, "unknown profile "+id)
		return
	}

	slog.Info("voice profile removed", "profile", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

