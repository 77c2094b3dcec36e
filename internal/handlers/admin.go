package handlers

import (
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"aegis-gw/internal/audit"
	"aegis-gw/internal/config"
	"aegis-gw/internal/guardrails"
)

// Admin serves the introspection and management endpoints. The rebuild
// callback re-reads the profile from disk and assembles a fresh engine; the
// swap is atomic so in-flight requests finish on the engine they started with.
type Admin struct {
	cfg     *config.Config
	engine  *atomic.Pointer[guardrails.Engine]
	store   *audit.Store
	memory  *audit.MemorySink
	rebuild func() (*guardrails.Engine, error)
	logger  *zap.Logger
}

func NewAdmin(cfg *config.Config, engine *atomic.Pointer[guardrails.Engine], store *audit.Store, memory *audit.MemorySink, rebuild func() (*guardrails.Engine, error), logger *zap.Logger) *Admin {
	return &Admin{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		memory:  memory,
		rebuild: rebuild,
		logger:  logger,
	}
}

// Logs handles GET /api/logs: the 20 most recent audit events, newest first.
// Backed by Postgres when a DSN is configured, the in-memory ring otherwise.
func (a *Admin) Logs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	const limit = 20

	if a.store != nil {
		recs, err := a.store.Recent(limit)
		if err != nil {
			a.logger.Error("failed to read audit store", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to read audit log", "internal_error")
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	writeJSON(w, http.StatusOK, a.memory.Recent(limit))
}

// Profile handles GET /api/profile: the active profile's identity and
// pipeline, without the raw configuration document.
func (a *Admin) Profile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	engine := a.engine.Load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_name": engine.ProfileName(),
		"shadow_mode":  engine.ShadowMode(),
		"detectors":    engine.DetectorNames(),
	})
}

// Reload handles POST /admin/reload: re-read the profile and swap the
// engine. Requires the admin API key; a missing key disables the endpoint.
func (a *Admin) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	if a.cfg.AdminAPIKey == "" || r.Header.Get("X-ADMIN-KEY") != a.cfg.AdminAPIKey {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
		return
	}

	engine, err := a.rebuild()
	if err != nil {
		a.logger.Error("profile reload failed, keeping current engine", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Profile reload failed: "+err.Error(), "reload_failed")
		return
	}

	a.engine.Store(engine)
	a.logger.Info("profile reloaded",
		zap.String("profile", engine.ProfileName()),
		zap.Bool("shadow_mode", engine.ShadowMode()),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"profile_name": engine.ProfileName(),
	})
}
