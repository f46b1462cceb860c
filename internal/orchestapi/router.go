// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombarlow/orchestrator/internal/daemon/httputil"
)

// RouterConfig configures the top-level mux, trimmed from
// internal/daemon/api/router.go's RouterConfig down to what orchestratord
// exposes (no schedule/MCP/audit status providers — those concerns don't
// exist in this spec).
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
	Logger    *slog.Logger
}

// Router is orchestratord's top-level http.Handler: health/version/root
// plus whatever job/workflow/metrics handlers are mounted on it.
type Router struct {
	cfg RouterConfig
	mux *http.ServeMux
}

// NewRouter creates a Router with health/version routes already mounted.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Router{cfg: cfg, mux: http.NewServeMux()}
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)
	return r
}

// Mux exposes the underlying ServeMux so handler packages can register
// their own routes directly (JobsHandler.RegisterRoutes, etc.).
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// SetMetricsHandler mounts handler at GET /metrics.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	r.mux.Handle("GET /metrics", handler)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":   r.cfg.Version,
		"commit":    r.cfg.Commit,
		"buildDate": r.cfg.BuildDate,
	})
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"service": "orchestratord"})
}

// ServeHTTP implements http.Handler, logging each request at debug level,
// mirroring api/router.go's request-logging middleware layer.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.cfg.Logger.Debug("http request",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Duration("duration", time.Since(start)),
	)
}
