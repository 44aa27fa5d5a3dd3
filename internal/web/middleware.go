package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/internal/observability"
)

// ObservabilityMiddleware traces, measures, and logs each request.
func ObservabilityMiddleware(metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			if tracer != nil {
				ctx, span := tracer.TraceHTTPRequest(r.Context(), r.Method, metricsPath(r.URL.Path))
				defer span.End()
				r = r.WithContext(ctx)
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			if metrics != nil {
				metrics.RecordHTTPRequest(r.Method, metricsPath(r.URL.Path), strconv.Itoa(wrapped.status), duration.Seconds())
			}
			if logger != nil {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", duration,
					"remote_addr", r.RemoteAddr,
				)
			}
		})
	}
}

// SessionMiddleware authenticates the login cookie and places the user
// on the request context. Unauthenticated requests to protected paths
// get a 401 envelope.
func SessionMiddleware(service *identity.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authExempt(r.URL.Path) || service == nil {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(sessionCookie)
			if err != nil || cookie.Value == "" {
				writeEnvelopeError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			user, err := service.Authenticate(r.Context(), cookie.Value)
			if err != nil {
				if !errors.Is(err, identity.ErrNoSession) && logger != nil {
					logger.Warn("session lookup failed", "error", err)
				}
				writeEnvelopeError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), user)))
		})
	}
}

// RoleMiddleware resolves the X-Role-ID header into a role context.
// Requests without the header pass through; handlers that need a role
// then resolve it from their own parameters.
func RoleMiddleware(service *identity.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roleID := strings.TrimSpace(r.Header.Get("X-Role-ID"))
			if roleID == "" || service == nil {
				next.ServeHTTP(w, r)
				return
			}
			user, ok := identity.UserFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			rc, err := service.ResolveRole(r.Context(), user.ID, roleID)
			switch {
			case errors.Is(err, identity.ErrRoleNotFound):
				writeEnvelopeError(w, "role not found", http.StatusOK)
				return
			case errors.Is(err, identity.ErrRoleForbidden):
				writeEnvelopeError(w, "role does not belong to you", http.StatusOK)
				return
			case err != nil:
				writeEnvelopeError(w, "internal error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithRoleContext(r.Context(), rc)))
		})
	}
}

// authExempt reports whether a path is reachable without a session:
// login and signup themselves, environment discovery, and the
// operational endpoints.
func authExempt(path string) bool {
	switch path {
	case "/api/auth/check-email", "/api/auth/login",
		"/api/auth/signup/individual", "/api/auth/signup/group",
		"/api/env", "/metrics", "/healthz":
		return true
	}
	// Provider redirects arrive outside any session; the signed state
	// parameter binds the callback to the user who started the flow.
	return strings.HasPrefix(path, "/api/auth/") && strings.HasSuffix(path, "/callback")
}

// metricsPath folds per-resource path segments so metric and span
// labels stay low-cardinality.
func metricsPath(path string) string {
	prefixes := [...]string{
		"/api/roles/",
		"/api/mcp/servers/",
		"/api/viewer/files/",
		"/api/scheduled-jobs/",
		"/api/auth/oauth/token/",
	}
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(path, p)
		if !ok || rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return p + ":id" + rest[i:]
		}
		return p + ":id"
	}
	return path
}

func writeEnvelopeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(apiEnvelope{Error: &apiError{Message: message}})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Flush forwards to the wrapped writer so the streaming chat endpoint
// keeps working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
