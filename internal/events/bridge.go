// Package events streams a session's status events to HTTP clients as
// Server-Sent Events with cursor-based resume.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Source reads status events after a cursor
type Source interface {
	ReadEvents(ctx context.Context, userID, sessionID, cursor string, count int64) ([]models.StatusEvent, error)
}

// Config holds stream timing
type Config struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
	KeepAlive    time.Duration
	BatchSize    int64
	// RetryHint is sent as the SSE retry field so clients reconnect quickly
	RetryHint time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		MaxDuration:  5 * time.Minute,
		KeepAlive:    15 * time.Second,
		BatchSize:    100,
		RetryHint:    time.Second,
	}
}

// Bridge serves status streams
type Bridge struct {
	src Source
	cfg Config
}

func NewBridge(src Source, cfg Config) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Bridge{src: src, cfg: cfg}
}

var cursorPattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// OwnsSession reports whether sessionID is scoped to userID. Session ids end
// in "-<userId>".
func OwnsSession(userID, sessionID string) bool {
	return userID != "" && strings.HasSuffix(sessionID, "-"+userID)
}

// ResumeCursor picks the cursor from Last-Event-ID, then the cursor query
// parameter, then the stream origin
func ResumeCursor(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get("Last-Event-ID")); c != "" {
		return c
	}
	if c := strings.TrimSpace(r.URL.Query().Get("cursor")); c != "" {
		return c
	}
	return store.Origin
}

// Serve streams events until the client goes away or MaxDuration passes. In
// the latter case a timeout event tells the client to reconnect with its last cursor.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	if !OwnsSession(userID, sessionID) {
		logging.Error("events: SECURITY session not scoped to caller", "session_id", sessionID, "user_id", userID)
		http.Error(w, "session does not belong to user", http.StatusForbidden)
		return
	}

	cursor := ResumeCursor(r)
	if !cursorPattern.MatchString(cursor) {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if b.cfg.RetryHint > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", b.cfg.RetryHint.Milliseconds())
	}
	flusher.Flush()

	ctx := r.Context()
	deadline := time.NewTimer(b.cfg.MaxDuration)
	defer deadline.Stop()
	poll := time.NewTicker(b.cfg.PollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(b.cfg.KeepAlive)
	defer keepAlive.Stop()

	logging.Debug("events: stream opened", "session_id", sessionID, "cursor", cursor)
	sent := 0

	for {
		evs, err := b.src.ReadEvents(ctx, userID, sessionID, cursor, b.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("events: read failed", "session_id", sessionID, "cursor", cursor, "error", err)
		}

		for _, ev := range evs {
			if err := writeEvent(w, ev.Cursor, string(ev.Kind), ev); err != nil {
				return
			}
			cursor = ev.Cursor
			sent++
		}
		if len(evs) > 0 {
			flusher.Flush()
			if int64(len(evs)) == b.cfg.BatchSize {
				continue
			}
		}

		select {
		case <-ctx.Done():
			logging.Debug("events: client disconnected", "session_id", sessionID, "sent", sent)
			return

		case <-deadline.C:
			_ = writeEvent(w, cursor, string(models.EventTimeout), models.StatusEvent{
				Kind:      models.EventTimeout,
				Timestamp: time.Now(),
				Cursor:    cursor,
			})
			flusher.Flush()
			logging.Debug("events: stream reached max duration", "session_id", sessionID, "sent", sent)
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-poll.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, id, name string, ev models.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, name, data)
	return err
}
