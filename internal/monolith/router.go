// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package monolith

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/moltserver/molt/internal/plugin"
	"github.com/moltserver/molt/internal/search"
	"github.com/moltserver/molt/pkg/errutil"
)

// maxSearchBody bounds the search query envelope a client may post.
const maxSearchBody = 1 << 20

// routes builds the legacy API router. BasePath, when configured,
// prefixes every route.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	mount := func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/plugins", s.handlePlugins)
			r.Get("/nav-links", s.handleNavLinks)
			r.Get("/settings/defaults", s.handleSettingDefaults)
			r.Post("/search/{strategy}", s.handleSearch)
		})
	}
	if s.basePath != "" {
		r.Route(s.basePath, mount)
	} else {
		mount(r)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

type statusResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Plugins       pluginCounts `json:"plugins"`
}

type pluginCounts struct {
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
}

// handleStatus reports overall health. Failed plugins degrade the
// status to yellow; the endpoint itself answering means not red.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeStatus(w, r) {
		return
	}

	var counts pluginCounts
	for _, entry := range s.registry.Snapshot() {
		switch entry.State {
		case plugin.StateLoaded:
			counts.Loaded++
		case plugin.StateFailed:
			counts.Failed++
		}
	}

	status := "green"
	if counts.Failed > 0 {
		status = "yellow"
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:        status,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Plugins:       counts,
	})
}

type pluginStatus struct {
	Name     string     `json:"name"`
	Version  string     `json:"version"`
	Type     string     `json:"type"`
	State    string     `json:"state"`
	Error    string     `json:"error,omitempty"`
	LoadedAt *time.Time `json:"loadedAt,omitempty"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.Snapshot()
	out := make([]pluginStatus, 0, len(entries))
	for _, entry := range entries {
		status := pluginStatus{
			Name:    entry.Spec.Name(),
			Version: entry.Spec.Manifest.Version,
			Type:    string(entry.Spec.Manifest.Type),
			State:   string(entry.State),
		}
		if entry.Err != nil {
			status.Error = entry.Err.Error()
		}
		if !entry.LoadedAt.IsZero() {
			loadedAt := entry.LoadedAt
			status.LoadedAt = &loadedAt
		}
		out = append(out, status)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *Server) handleNavLinks(w http.ResponseWriter, _ *http.Request) {
	links := []plugin.NavLink{}
	if s.discovery.UIExports != nil {
		links = append(links, s.discovery.UIExports.NavLinks...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"navLinks": links})
}

func (s *Server) handleSettingDefaults(w http.ResponseWriter, _ *http.Request) {
	defaults := map[string]any{}
	if s.discovery.UIExports != nil && s.discovery.UIExports.SettingDefaults != nil {
		defaults = s.discovery.UIExports.SettingDefaults
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"settingDefaults": defaults})
}

// handleSearch runs the named strategy against the posted query
// envelope. Client mistakes map to 4xx, backend trouble to 502/503.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "strategy")
	strat, ok := s.search.Lookup(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "unknown search strategy " + name,
		})
		return
	}

	var req search.Request
	body := http.MaxBytesReader(w, r.Body, maxSearchBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid search request body",
		})
		return
	}
	req.Strategy = name

	result, err := strat.Search(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch errutil.Code(err) {
		case "SEARCH_REQUEST_INVALID":
			status = http.StatusBadRequest
		case "SEARCH_CIRCUIT_OPEN":
			status = http.StatusServiceUnavailable
		}
		errutil.LogWarn(s.log, "search request failed", err)
		s.writeJSON(w, status, errorResponse{
			Error: err.Error(),
			Code:  errutil.Code(err),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
