package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/auth"
	"github.com/formguard/formguard/internal/observability"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const clientCtxKey contextKey = iota

// defaultTabID routes requests that carry no tab identity. Early extension
// builds and curl probes land here instead of failing.
const defaultTabID = "default"

// clientFromContext extracts the authenticated client from the request context.
func clientFromContext(ctx context.Context) *auth.ClientContext {
	v, _ := ctx.Value(clientCtxKey).(*auth.ClientContext)
	return v
}

// requireAuth validates the client key and injects the authenticated
// client into the request context. The authenticator owns its own cache;
// the middleware only maps failures onto status codes.
func (d *Dependencies) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractKey(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing client key")
			return
		}

		cc, err := d.Auth.Authenticate(r.Context(), key)
		if err != nil {
			status, msg := authFailure(err)
			if status == http.StatusServiceUnavailable {
				d.Logger.Warn("authentication backend unavailable", zap.Error(err))
			} else {
				d.Logger.Debug("client key rejected", zap.Error(err))
			}
			writeError(w, status, msg)
			return
		}

		ctx := context.WithValue(r.Context(), clientCtxKey, cc)
		next(w, r.WithContext(ctx))
	}
}

// authFailure maps an authentication error onto a status code and a
// client-safe message.
func authFailure(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingClientKey):
		return http.StatusUnauthorized, "missing client key"
	case errors.Is(err, auth.ErrProfileDisabled):
		return http.StatusForbidden, "profile is disabled"
	case errors.Is(err, auth.ErrAuthUnavailable):
		return http.StatusServiceUnavailable, "authentication temporarily unavailable"
	default:
		return http.StatusUnauthorized, "invalid client key"
	}
}

// tabFromRequest resolves the tab identity for a /v1 request: X-Tab-ID
// header first, then the body's tab_id (passed in by the handler), then
// the tab_id query parameter.
func tabFromRequest(r *http.Request, bodyTab string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Tab-ID")); v != "" {
		return v
	}
	if v := strings.TrimSpace(bodyTab); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("tab_id")); v != "" {
		return v
	}
	return defaultTabID
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResp{Error: msg})
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// nilIfEmpty maps the empty string onto a JSON null.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// queryInt reads an integer query parameter, falling back to the default
// on absence or garbage.
func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// --- Request logging and metrics ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		// The mux fills in r.Pattern during dispatch, so the matched route
		// is visible here after the handler returns.
		route := r.Pattern
		if i := strings.IndexByte(route, ' '); i >= 0 {
			route = route[i+1:]
		}
		if route == "" {
			route = "unmatched"
		}
		observability.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()

		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

// corsMiddleware answers preflights and stamps CORS headers. An empty
// origin list allows any origin; the daemon binds to loopback by default,
// so the client key remains the real gate.
func corsMiddleware(next http.Handler, origins []string) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[strings.ToLower(origin)]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-API-Key, X-Tab-ID, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
