package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Sessions is the viewer side of the session manager
type Sessions interface {
	Get(ctx context.Context, sessionID, userID string) (*models.SessionEntry, error)
	RecordLiveViewConnection(ctx context.Context, sessionID, userID string) error
	RecordLiveViewHeartbeat(ctx context.Context, sessionID, userID string) error
	RecordLiveViewDisconnection(ctx context.Context, sessionID, userID string) error
}

// Config holds viewer timing
type Config struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		DialTimeout:       10 * time.Second,
	}
}

// Server proxies a viewer's websocket to the browser's control channel and
// keeps the session's viewer record in step with the connection.
type Server struct {
	sessions Sessions
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(sessions Sessions, cfg Config) *Server {
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Serve returns an error only if it fails before the upgrade, so the caller
// can still write an HTTP response.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, sessionID, userID string) error {
	entry, err := s.sessions.Get(r.Context(), sessionID, userID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DialTimeout)
	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, entry.Browser.ControlURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer browserConn.Close()

	clientConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("proxy: failed to upgrade connection", "session_id", sessionID, "error", err)
		return nil
	}
	defer clientConn.Close()

	// the request context ends with the handler, so viewer bookkeeping runs detached
	bg := context.WithoutCancel(r.Context())
	if err := s.sessions.RecordLiveViewConnection(bg, sessionID, userID); err != nil {
		logging.Warn("proxy: failed to record viewer", "session_id", sessionID, "error", err)
		writeClose(clientConn, websocket.ClosePolicyViolation, err.Error())
		return nil
	}
	defer func() {
		if err := s.sessions.RecordLiveViewDisconnection(bg, sessionID, userID); err != nil {
			logging.Warn("proxy: failed to record viewer disconnection", "session_id", sessionID, "error", err)
		}
	}()

	logging.Info("proxy: viewer connected", "session_id", sessionID, "user_id", userID)

	errChan := make(chan error, 3)
	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn, "viewer→browser")
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn, "browser→viewer")
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		errChan <- s.heartbeat(bg, done, sessionID, userID)
	}()

	err = <-errChan
	if errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrNotFound) {
		writeClose(clientConn, websocket.CloseNormalClosure, "session expired")
	} else if err != nil && err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logging.Warn("proxy: connection error", "session_id", sessionID, "error", err)
	}

	logging.Info("proxy: viewer disconnected", "session_id", sessionID, "user_id", userID)
	return nil
}

// heartbeat refreshes the viewer record until done closes or the session disappears
func (s *Server) heartbeat(ctx context.Context, done <-chan struct{}, sessionID, userID string) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}

		err := s.sessions.RecordLiveViewHeartbeat(ctx, sessionID, userID)
		if errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrOwnership) {
			return err
		}
		if err != nil {
			logging.Warn("proxy: heartbeat failed", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug("proxy: websocket error", "direction", direction, "error", err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			logging.Debug("proxy: failed to write message", "direction", direction, "error", err)
			return err
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
