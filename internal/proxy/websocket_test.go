package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

type fakeSessions struct {
	controlURL   string
	getErr       error
	heartbeatErr error

	mu            sync.Mutex
	connections   int
	heartbeats    int
	disconnection int
}

func (s *fakeSessions) Get(_ context.Context, sessionID, userID string) (*models.SessionEntry, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &models.SessionEntry{
		SessionID:   sessionID,
		OwnerUserID: userID,
		Browser:     models.BrowserHandle{ControlURL: s.controlURL},
	}, nil
}

func (s *fakeSessions) RecordLiveViewConnection(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
	return nil
}

func (s *fakeSessions) RecordLiveViewHeartbeat(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeatErr
}

func (s *fakeSessions) RecordLiveViewDisconnection(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnection++
	return nil
}

func (s *fakeSessions) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections, s.heartbeats, s.disconnection
}

// echoBrowser stands in for the CDP endpoint
func echoBrowser(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startProxy(t *testing.T, sessions *fakeSessions) string {
	t.Helper()
	p := NewServer(sessions, Config{HeartbeatInterval: 20 * time.Millisecond, DialTimeout: time.Second})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Serve(w, r, "thread-1-alice", "alice"); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProxyRecordsViewerLifecycle(t *testing.T) {
	sessions := &fakeSessions{controlURL: echoBrowser(t)}
	conn, _, err := websocket.DefaultDialer.Dial(startProxy(t, sessions), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Page.enable"}`)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"method":"Page.enable"}`, string(msg))

	require.Eventually(t, func() bool {
		_, hb, _ := sessions.counts()
		return hb >= 2
	}, 2*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	require.Eventually(t, func() bool {
		_, _, dc := sessions.counts()
		return dc == 1
	}, 2*time.Second, 10*time.Millisecond)

	connections, _, _ := sessions.counts()
	assert.Equal(t, 1, connections)
}

func TestProxyRejectsBeforeUpgrade(t *testing.T) {
	sessions := &fakeSessions{getErr: session.ErrOwnership}

	_, resp, err := websocket.DefaultDialer.Dial(startProxy(t, sessions), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	connections, _, _ := sessions.counts()
	assert.Zero(t, connections)
}

func TestProxyClosesWhenSessionExpires(t *testing.T) {
	sessions := &fakeSessions{controlURL: echoBrowser(t), heartbeatErr: session.ErrExpired}
	conn, _, err := websocket.DefaultDialer.Dial(startProxy(t, sessions), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "session expired", closeErr.Text)
}
