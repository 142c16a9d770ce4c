package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserhub/internal/events"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/proxy"
	"github.com/shehryarbajwa/browserhub/internal/queue"
	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store      *store.Client
	sessionMgr *session.Manager
	queue      *queue.Queue
	bridge     *events.Bridge
	liveView   *proxy.Server
}

// NewHandler creates a new HTTP handler
func NewHandler(s *store.Client, sessionMgr *session.Manager, q *queue.Queue, bridge *events.Bridge, liveView *proxy.Server) *Handler {
	return &Handler{
		store:      s,
		sessionMgr: sessionMgr,
		queue:      q,
		bridge:     bridge,
		liveView:   liveView,
	}
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errInvalidRequest, err)
}

// verifyOwner fails only on ownership violations; a session that doesn't
// exist yet is created lazily by the worker.
func (h *Handler) verifyOwner(r *http.Request, sessionID string) error {
	_, err := h.sessionMgr.Get(r.Context(), sessionID, userID(r))
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// CreateSession handles POST /v1/sessions/{id}
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var opts models.CreateOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.sessionMgr.GetOrCreate(r.Context(), id, userID(r), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSessionResponse(entry))
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	entry, err := h.sessionMgr.Get(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSessionResponse(entry))
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.sessionMgr.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]models.SessionResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.NewSessionResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user := userID(r)

	_, err := h.sessionMgr.Get(r.Context(), id, user)
	if errors.Is(err, session.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.queue.RequestStop(r.Context(), user, id); err != nil {
		logging.Warn("api: failed to stop commands before delete", "session_id", id, "error", err)
	}
	if err := h.sessionMgr.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LiveViewConnect handles POST /v1/sessions/{id}/liveview/connect
func (h *Handler) LiveViewConnect(w http.ResponseWriter, r *http.Request) {
	h.liveViewOp(w, r, h.sessionMgr.RecordLiveViewConnection)
}

// LiveViewHeartbeat handles POST /v1/sessions/{id}/liveview/heartbeat
func (h *Handler) LiveViewHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.liveViewOp(w, r, h.sessionMgr.RecordLiveViewHeartbeat)
}

// LiveViewDisconnect handles POST /v1/sessions/{id}/liveview/disconnect
func (h *Handler) LiveViewDisconnect(w http.ResponseWriter, r *http.Request) {
	h.liveViewOp(w, r, h.sessionMgr.RecordLiveViewDisconnection)
}

func (h *Handler) liveViewOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, sessionID, userID string) error) {
	if err := op(r.Context(), mux.Vars(r)["id"], userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LiveView handles GET /v1/sessions/{id}/live, the proxied viewer websocket
func (h *Handler) LiveView(w http.ResponseWriter, r *http.Request) {
	if err := h.liveView.Serve(w, r, mux.Vars(r)["id"], userID(r)); err != nil {
		writeError(w, err)
	}
}

func (h *Handler) commandFromRequest(r *http.Request) (*models.CommandMessage, error) {
	var req models.SubmitCommandRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", errInvalidRequest)
	}
	return &models.CommandMessage{
		CorrelationID: req.CorrelationID,
		Command:       req.Command,
		SessionID:     mux.Vars(r)["id"],
		UserID:        userID(r),
	}, nil
}

// SubmitCommand handles POST /v1/sessions/{id}/commands and waits for the result
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commandFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.submit(w, r, cmd)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, cmd *models.CommandMessage) {
	if err := h.verifyOwner(r, cmd.SessionID); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.queue.Submit(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EnqueueCommand handles POST /v1/sessions/{id}/commands/async
func (h *Handler) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commandFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.verifyOwner(r, cmd.SessionID); err != nil {
		writeError(w, err)
		return
	}

	cursor, err := h.queue.Enqueue(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.queue.EnsureWorker(cmd.UserID, cmd.SessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, models.SubmitCommandResponse{
		CorrelationID: cmd.CorrelationID,
		Cursor:        cursor,
	})
}

// GetResult handles GET /v1/sessions/{id}/results/{correlationId}. With
// ?wait=true it blocks until the result is published.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, correlationID := vars["id"], vars["correlationId"]
	user := userID(r)

	if r.URL.Query().Get("wait") == "true" {
		res, err := h.queue.AwaitResult(r.Context(), user, id, correlationID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, ok, err := h.queue.Result(r.Context(), user, id, correlationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "result not available yet", Code: "pending"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StopSession handles POST /v1/sessions/{id}/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.verifyOwner(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.queue.RequestStop(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StreamEvents handles GET /v1/sessions/{id}/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	h.bridge.Serve(w, r, userID(r), mux.Vars(r)["id"])
}

// NavigateSession handles POST /v1/sessions/{id}/navigate
func (h *Handler) NavigateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, fmt.Errorf("%w: url is required", errInvalidRequest))
		return
	}

	h.submit(w, r, &models.CommandMessage{
		Command:   "open " + req.URL,
		SessionID: mux.Vars(r)["id"],
		UserID:    userID(r),
	})
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	cmd := &models.CommandMessage{
		Command:   "screenshot",
		SessionID: mux.Vars(r)["id"],
		UserID:    userID(r),
	}
	if err := h.verifyOwner(r, cmd.SessionID); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.queue.Submit(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}

	img, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.Output, "data:image/png;base64,"))
	if err != nil {
		writeError(w, fmt.Errorf("decode screenshot: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(img)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		logging.Warn("api: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
