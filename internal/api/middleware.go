package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"

	"github.com/shehryarbajwa/browserhub/internal/logging"
)

// UserHeader carries the caller identity set by the upstream auth layer
const UserHeader = "X-User-ID"

type userKey struct{}

// requireUser rejects requests without an identity and stores it on the context
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing " + UserHeader + " header", Code: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

// userID returns the identity stored by requireUser
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func rateLimitKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader+", Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logRequests logs each request once it completes. httpsnoop keeps the
// Flusher and Hijacker of the underlying writer for SSE and websockets.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logging.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"took", m.Duration,
		)
	})
}
