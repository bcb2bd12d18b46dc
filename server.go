package freerouter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Server wires the Lifecycle handler and the control-plane endpoints onto
// an http.ServeMux.
type Server struct {
	Router    *Router
	Lifecycle *Lifecycle
	Metrics   *MetricsCollector // nil disables GET /metrics
	Logger    *slog.Logger
	Version   string

	// ConfigPath is the file the /reload and /reload-config endpoints
	// re-read from. Empty means "no file backs the running config" (env
	// defaults only): /reload is then a no-op that reports success, and
	// /reload-config reloads through LoadConfig's search path instead.
	ConfigPath string

	startedAt time.Time
}

// NewServer creates a Server over router, using version as the string
// reported by GET /health. If logger is nil, slog.Default() is used.
func NewServer(router *Router, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Router:    router,
		Lifecycle: NewLifecycle(router),
		Logger:    logger,
		Version:   version,
		startedAt: time.Now(),
	}
}

// Handler builds the complete http.Handler for the proxy. CORS preflight
// handling wraps every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.Lifecycle.ServeChatCompletion)
	mux.HandleFunc("POST /chat/completions", s.Lifecycle.ServeChatCompletion)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /reload", s.handleReloadCredentials)
	mux.HandleFunc("POST /reload-config", s.handleReloadConfig)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	mux.HandleFunc("/", s.handleNotFound)

	return s.withCORS(mux)
}

// withCORS answers every OPTIONS request with the preflight headers
// without reaching the underlying mux, and adds
// Access-Control-Allow-Origin to every other response.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeFrontError(w, NewFrontError(KindNotFound, "no such route: "+r.Method+" "+r.URL.Path, nil))
}

// modelListEntry is one element of the GET /v1/models "data" array.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.Router.Snapshot()
	seen := map[string]bool{"auto": true}
	data := []modelListEntry{{ID: "auto", Object: "model", Created: s.startedAt.Unix(), OwnedBy: "freerouter"}}

	addTable := func(table TierTable) {
		for _, route := range table {
			for _, m := range append([]ModelId{route.Primary}, route.Fallback...) {
				id := string(m)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				data = append(data, modelListEntry{
					ID: id, Object: "model", Created: s.startedAt.Unix(), OwnedBy: m.Provider(),
				})
			}
		}
	}
	addTable(cfg.Tiers)
	addTable(cfg.AgenticTiers)

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.Version,
		"uptime":  time.Since(s.startedAt).Seconds(),
		"stats":   s.Router.StatsTracker().Snapshot(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Router.StatsTracker().Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Router.Snapshot().Redacted())
}

func (s *Server) handleReloadCredentials(w http.ResponseWriter, r *http.Request) {
	if s.ConfigPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": false})
		return
	}
	data, err := os.ReadFile(s.ConfigPath)
	if err != nil {
		writeFrontError(w, NewFrontError(KindInternal, "failed to read config file for credential reload", err))
		return
	}
	fresh, err := LoadConfigBytes(data)
	if err != nil {
		writeFrontError(w, NewFrontError(KindBadRequest, "invalid config file", err))
		return
	}
	cfg := s.Router.Snapshot()
	providers := make(map[string]ProviderDescriptor, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if fp, ok := fresh.Providers[name]; ok {
			p.Auth = fp.Auth
		}
		providers[name] = p
	}
	cfg.Providers = providers
	if err := s.Router.Reload(cfg); err != nil {
		writeFrontError(w, NewFrontError(KindInternal, "failed to apply reloaded credentials", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	var fresh Config
	var err error
	if s.ConfigPath == "" {
		fresh, err = LoadConfig()
	} else {
		var data []byte
		data, err = os.ReadFile(s.ConfigPath)
		if err == nil {
			fresh, err = LoadConfigBytes(data)
		}
	}
	if err != nil {
		writeFrontError(w, NewFrontError(KindBadRequest, "failed to reload config", err))
		return
	}
	if err := s.Router.Reload(fresh); err != nil {
		writeFrontError(w, NewFrontError(KindBadRequest, "invalid config", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
