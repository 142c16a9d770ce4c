package session

import (
	"context"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/logging"
)

// Sweep expires every idle session in the store and returns how many it removed.
// It is safe to run on every process: an entry is removed only if it is still
// the one judged idle, and only the process that removed it tears down its browser.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.registry.sessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	now := m.now()
	for _, id := range ids {
		rec, ok, err := m.registry.load(ctx, id)
		if err != nil {
			logging.Warn("session: sweep skipping unreadable entry", "session_id", id, "error", err)
			continue
		}
		if !ok || rec.entry == nil {
			continue
		}
		m.checkAnomaly(rec.entry)
		if m.isIdle(rec.entry, now) && m.expire(ctx, id, rec) {
			expired++
		}
	}
	return expired, nil
}

// Run sweeps on SweepInterval until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := m.Sweep(ctx)
			if err != nil {
				logging.Warn("session: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Info("session: sweep expired idle sessions", "expired", n, "took", time.Since(start))
			}
		}
	}
}
