package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserhub/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(requireUser)

	// creating browsers and running commands cost real resources
	limited := api.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		limited.Use(rateLimiter.Middleware(rateLimitKey))
	}
	limited.HandleFunc("/sessions/{id}", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions/{id}/commands", h.SubmitCommand).Methods("POST")
	limited.HandleFunc("/sessions/{id}/commands/async", h.EnqueueCommand).Methods("POST")
	limited.HandleFunc("/sessions/{id}/navigate", h.NavigateSession).Methods("POST")
	limited.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/liveview/connect", h.LiveViewConnect).Methods("POST")
	api.HandleFunc("/sessions/{id}/liveview/heartbeat", h.LiveViewHeartbeat).Methods("POST")
	api.HandleFunc("/sessions/{id}/liveview/disconnect", h.LiveViewDisconnect).Methods("POST")
	api.HandleFunc("/sessions/{id}/results/{correlationId}", h.GetResult).Methods("GET")
	api.HandleFunc("/sessions/{id}/stop", h.StopSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", h.StreamEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}/live", h.LiveView).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(logRequests)
	// preflight requests have no matching method route
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return r
}
