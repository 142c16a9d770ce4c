package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Viewer presence is tracked on the same entry as agent activity but never
// resets the idle clock unless ExpireWhileViewing is disabled.

// RecordLiveViewConnection marks a viewer as attached to the session
func (m *Manager) RecordLiveViewConnection(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, userID, func(e *models.SessionEntry, now time.Time) error {
		if e.LiveViewConnections > 0 {
			logging.Warn("session: live view connection replaces an existing one",
				"session_id", sessionID,
				"live_view_connections", e.LiveViewConnections,
			)
		}
		e.LiveViewConnections = 1
		e.LastLiveViewHeartbeatAt = &now
		return nil
	})
	return err
}

// RecordLiveViewHeartbeat refreshes the viewer heartbeat if a viewer is
// attached. Without one the entry is only checked, not written.
func (m *Manager) RecordLiveViewHeartbeat(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, userID, func(e *models.SessionEntry, now time.Time) error {
		if e.LiveViewConnections == 0 {
			return store.ErrSkipUpdate
		}
		e.LastLiveViewHeartbeatAt = &now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrExpired, sessionID)
	}
	return err
}

// RecordLiveViewDisconnection clears the viewer and then re-runs the idle
// check, since the viewer may have been the only thing holding the session.
func (m *Manager) RecordLiveViewDisconnection(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutateEntry(ctx, sessionID, userID, false, func(e *models.SessionEntry, _ time.Time) error {
		e.LiveViewConnections = 0
		e.LastLiveViewHeartbeatAt = nil
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = m.lookup(ctx, sessionID, userID, false)
	return err
}
