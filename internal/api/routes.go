package api

import (
	"net/http"
)

// Middleware wraps a handler, e.g. a rate limiter.
type Middleware func(http.Handler) http.Handler

// RouterConfig collects the handler sets and per-route middleware for the
// public surface. Nil middleware entries are skipped; nil handler sets leave
// their routes unregistered.
type RouterConfig struct {
	Signing   *SigningHandlers
	Documents *DocumentHandlers
	Webhooks  *WebhookHandlers
	Health    *HealthHandlers

	// SubmitLimiter guards the expensive submission route; DownloadLimiter
	// guards artifact presigning. The global limiter wraps the whole mux in
	// the server setup, not here.
	SubmitLimiter   Middleware
	DownloadLimiter Middleware
}

// RegisterRoutes wires the public surface onto the mux using method-qualified
// patterns.
func RegisterRoutes(mux *http.ServeMux, cfg RouterConfig) {
	if cfg.Signing != nil {
		mux.Handle("GET /api/sign/{token}", http.HandlerFunc(cfg.Signing.HandleSnapshot))
		mux.Handle("POST /api/sign/{token}", wrap(http.HandlerFunc(cfg.Signing.HandleSubmit), cfg.SubmitLimiter))
		mux.Handle("POST /api/sign/{token}/viewed", http.HandlerFunc(cfg.Signing.HandleViewed))
	}
	if cfg.Documents != nil {
		mux.Handle("POST /api/documents", http.HandlerFunc(cfg.Documents.HandleCreate))
		mux.Handle("GET /api/documents/{token}/download", wrap(http.HandlerFunc(cfg.Documents.HandleDownload), cfg.DownloadLimiter))
	}
	if cfg.Webhooks != nil {
		mux.Handle("POST /internal/esign/webhook", http.HandlerFunc(cfg.Webhooks.HandleProviderWebhook))
	}
	if cfg.Health != nil {
		mux.HandleFunc("/health", cfg.Health.Health)
		mux.HandleFunc("/ready", cfg.Health.Ready)
	}
}

func wrap(h http.Handler, m Middleware) http.Handler {
	if m == nil {
		return h
	}
	return m(h)
}
