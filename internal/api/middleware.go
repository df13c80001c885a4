package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"breachguard/internal/config"
	"breachguard/internal/logging"
)

// WithMiddleware wraps handler with recovery, request logging, security
// headers and, when keys are configured, API key authentication.
func WithMiddleware(handler http.Handler, cfg config.ServerConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	// Last applied runs first.
	h := handler
	if len(cfg.APIKeys) > 0 {
		h = authMiddleware(h, cfg.APIKeys, cfg.APIKeyHeader)
	}
	h = securityHeadersMiddleware(h)
	h = recoveryMiddleware(h, logger)
	h = loggingMiddleware(h, logger)
	return h
}

// loggingMiddleware logs HTTP requests with the client address masked.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", logging.MaskIP(r.RemoteAddr),
		)
	})
}

// authMiddleware checks the API key header. Health and metrics stay open.
func authMiddleware(next http.Handler, keys []string, header string) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(header)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, http.StatusUnauthorized, "invalid API key", "")
	})
}

// securityHeadersMiddleware sets the response headers a JSON-only API needs.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
