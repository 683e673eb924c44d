package middleware

import (
	"log/slog"
	"net/http"

	"github.com/ccrelay/ccrelay/internal/config"
)

// OriginMiddleware rejects requests whose Origin header isn't on the
// configured allow-list, adapted from the teacher's statsig-blocker
// host/path gate into a CORS-style allow-list check: same mechanism
// (inspect a header, short-circuit with a canned response), different
// policy (deployment-configured origins instead of a hardcoded telemetry
// host).
type OriginMiddleware struct {
	config *config.Manager
	logger *slog.Logger
}

func NewOriginMiddleware(cfg *config.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	om := &OriginMiddleware{config: cfg, logger: logger}
	return om.middleware
}

func (om *OriginMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := om.config.Get()
		origin := r.Header.Get("Origin")

		if origin != "" && len(cfg.AllowedOrigins) > 0 && !originAllowed(origin, cfg.AllowedOrigins) {
			om.logger.Warn("Rejected request from disallowed origin", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
