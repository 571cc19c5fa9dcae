package httpserver

import (
	"log/slog"
	"net/http"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Handler is the REST handler with all routes.
	Handler *Handler

	// Logger for request logging.
	Logger *slog.Logger

	// RateLimit is the per-IP request rate (requests/second).
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the per-IP burst size.
	RateBurst int

	// EnableAudit enables access logging for all requests.
	EnableAudit bool
}

// NewRouter wraps the REST handler in the middleware chain.
//
// Order: Recover -> RequestID -> RateLimit -> Audit -> Handler.
func NewRouter(cfg *RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var h http.Handler = cfg.Handler

	if cfg.EnableAudit {
		h = Audit(cfg.Logger)(h)
	}
	if cfg.RateLimit > 0 {
		h = RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	}
	h = RequestID()(h)
	h = Recover(cfg.Logger)(h)

	return h
}
