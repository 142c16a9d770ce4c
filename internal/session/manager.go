package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Provider creates and deletes remote browser instances
type Provider interface {
	Create(ctx context.Context, opts models.CreateOptions) (*models.BrowserHandle, error)
	// Delete returns browser.ErrInstanceNotFound if the vendor no longer knows the id
	Delete(ctx context.Context, vendorSessionID string) error
}

// Config holds lifecycle timing and policy
type Config struct {
	// IdleTimeout is measured from the last agent command, not from viewer activity
	IdleTimeout time.Duration
	// ExpireWhileViewing keeps idle expiry independent of viewers when true.
	// When false, a viewer with a fresh heartbeat holds an idle session open.
	ExpireWhileViewing bool
	HeartbeatTimeout   time.Duration

	EntryTTL    time.Duration
	PendingTTL  time.Duration
	PendingWait time.Duration
	PendingPoll time.Duration

	MaxConcurrentProvisions int64
	TeardownTimeout         time.Duration
	SweepInterval           time.Duration

	DefaultOptions models.CreateOptions
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		IdleTimeout:             10 * time.Minute,
		ExpireWhileViewing:      true,
		HeartbeatTimeout:        45 * time.Second,
		EntryTTL:                time.Hour,
		PendingTTL:              2 * time.Minute,
		PendingWait:             45 * time.Second,
		PendingPoll:             500 * time.Millisecond,
		MaxConcurrentProvisions: 10,
		TeardownTimeout:         30 * time.Second,
		SweepInterval:           time.Minute,
		DefaultOptions: models.CreateOptions{
			Viewport:       models.Viewport{Width: 1280, Height: 800},
			TimeoutSeconds: 3600,
		},
	}
}

// Manager owns the lifecycle of remote browser sessions across all server
// processes. Every decision is made against the shared store; the in-process
// singleflight group only saves lock round trips.
type Manager struct {
	registry   *Registry
	locker     *lock.Locker
	provider   Provider
	cfg        Config
	flight     singleflight.Group
	provisions *semaphore.Weighted
	now        func() time.Time
	onTeardown []func(vendorSessionID string)
}

// NewManager wires a manager to the shared store, lock and vendor
func NewManager(s *store.Client, locker *lock.Locker, provider Provider, cfg Config) *Manager {
	if cfg.MaxConcurrentProvisions <= 0 {
		cfg.MaxConcurrentProvisions = 1
	}
	return &Manager{
		registry:   NewRegistry(s, cfg.EntryTTL, cfg.PendingTTL),
		locker:     locker,
		provider:   provider,
		cfg:        cfg,
		provisions: semaphore.NewWeighted(cfg.MaxConcurrentProvisions),
		now:        time.Now,
	}
}

// GetOrCreate returns the caller's browser session, provisioning it if needed.
// Concurrent callers on any process end up with the same vendor instance.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, userID string, opts models.CreateOptions) (*models.SessionEntry, error) {
	if sessionID == "" || userID == "" {
		return nil, fmt.Errorf("sessionId and userId are required")
	}

	// the shared flight outlives any single caller, so one caller going
	// away doesn't fail the others; PendingTTL bounds it instead
	ch := m.flight.DoChan(sessionID+"\x00"+userID, func() (interface{}, error) {
		fctx, cancel := m.flightContext(ctx)
		defer cancel()
		return m.getOrCreate(fctx, sessionID, userID, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		entry := *res.Val.(*models.SessionEntry)
		return &entry, nil
	}
}

func (m *Manager) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if m.cfg.PendingTTL <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.PendingTTL)
}

func (m *Manager) getOrCreate(ctx context.Context, sessionID, userID string, opts models.CreateOptions) (*models.SessionEntry, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := m.lookup(ctx, sessionID, userID, true)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}

		entry, err = m.create(ctx, sessionID, userID, opts)
		if errors.Is(err, lock.ErrAlreadyExists) {
			// someone finished while we waited for the lock; take the fast path
			continue
		}
		return entry, err
	}
	return nil, fmt.Errorf("%w: session %s kept changing during creation", lock.ErrTimeout, sessionID)
}

// Get returns the caller's session without creating one
func (m *Manager) Get(ctx context.Context, sessionID, userID string) (*models.SessionEntry, error) {
	entry, err := m.lookup(ctx, sessionID, userID, false)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// lookup is the ownership-verified read shared by every access path. It
// returns nil without error for absent or idle-expired sessions.
func (m *Manager) lookup(ctx context.Context, sessionID, userID string, waitPending bool) (*models.SessionEntry, error) {
	rec, ok, err := m.registry.load(ctx, sessionID)
	if err != nil || !ok {
		return nil, err
	}

	if rec.pending != nil {
		if rec.pending.OwnerUserID != userID {
			return nil, m.ownershipViolation(sessionID, rec.pending.OwnerUserID, userID)
		}
		if !waitPending {
			return nil, nil
		}
		rec, ok, err = m.waitForPending(ctx, sessionID)
		if err != nil || !ok {
			return nil, err
		}
	}

	entry := rec.entry
	if entry.OwnerUserID != userID {
		return nil, m.ownershipViolation(sessionID, entry.OwnerUserID, userID)
	}
	m.checkAnomaly(entry)

	if m.isIdle(entry, m.now()) {
		m.expire(ctx, sessionID, rec)
		return nil, nil
	}

	touched, err := m.mutate(ctx, sessionID, userID, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return touched, err
}

// waitForPending polls until an in-flight creation resolves. ok is false
// if the marker vanished without an entry replacing it.
func (m *Manager) waitForPending(ctx context.Context, sessionID string) (record, bool, error) {
	deadline := m.now().Add(m.cfg.PendingWait)
	ticker := time.NewTicker(m.cfg.PendingPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return record{}, false, ctx.Err()
		case <-ticker.C:
		}

		rec, ok, err := m.registry.load(ctx, sessionID)
		if err != nil {
			return record{}, false, err
		}
		if !ok || rec.entry != nil {
			return rec, ok, nil
		}
		if m.now().After(deadline) {
			return record{}, false, fmt.Errorf("%w: %s", ErrPendingTimeout, sessionID)
		}
	}
}

// create runs the locked creation protocol
func (m *Manager) create(ctx context.Context, sessionID, userID string, opts models.CreateOptions) (*models.SessionEntry, error) {
	lockKey := store.CreateLockKey(sessionID)
	token, err := m.locker.Acquire(ctx, lockKey, userID, func(ctx context.Context) (bool, error) {
		return m.registry.hasEntry(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, err := m.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			logging.Warn("session: failed to release creation lock", "session_id", sessionID, "error", err)
		}
	}()

	// another process may have finished between our first read and the lock
	entry, err := m.lookup(ctx, sessionID, userID, true)
	if err != nil || entry != nil {
		return entry, err
	}

	pendingRaw, err := m.registry.writePending(ctx, sessionID, models.PendingMarker{
		OwnerUserID: userID,
		Nonce:       token,
		StartedAt:   m.now(),
	})
	if err != nil {
		return nil, err
	}

	handle, err := m.provision(ctx, opts)
	if err != nil {
		if cerr := m.registry.clearPending(context.WithoutCancel(ctx), sessionID, pendingRaw); cerr != nil {
			logging.Warn("session: failed to clear pending marker", "session_id", sessionID, "error", cerr)
		}
		return nil, err
	}

	now := m.now()
	entry = &models.SessionEntry{
		SessionID:           sessionID,
		OwnerUserID:         userID,
		Browser:             *handle,
		CreatedAt:           now,
		LastAccessedAt:      now,
		LastAgentActivityAt: now,
	}

	swapped, err := m.registry.promote(ctx, sessionID, pendingRaw, entry)
	if err != nil || !swapped {
		m.teardown(ctx, sessionID, handle.VendorSessionID)
		if err != nil {
			return nil, fmt.Errorf("save session entry: %w", err)
		}
		logging.Error("session: race detected, pending marker replaced during browser creation",
			"session_id", sessionID,
			"user_id", userID,
			"vendor_session_id", handle.VendorSessionID,
		)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCreation, sessionID)
	}

	logging.Info("session: browser created",
		"session_id", sessionID,
		"user_id", userID,
		"vendor_session_id", handle.VendorSessionID,
		"region", handle.Region,
	)
	return entry, nil
}

// provision calls the vendor, bounded by the per-process provisioning slots
func (m *Manager) provision(ctx context.Context, opts models.CreateOptions) (*models.BrowserHandle, error) {
	if err := m.provisions.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.provisions.Release(1)

	handle, err := m.provider.Create(ctx, m.withDefaults(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = m.now()
	}
	return handle, nil
}

func (m *Manager) withDefaults(opts models.CreateOptions) models.CreateOptions {
	def := m.cfg.DefaultOptions
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = def.Viewport
	}
	if opts.TimeoutSeconds == 0 {
		opts.TimeoutSeconds = def.TimeoutSeconds
	}
	if opts.Region == "" {
		opts.Region = def.Region
	}
	if opts.IsolationFlags == nil {
		opts.IsolationFlags = def.IsolationFlags
	}
	return opts
}

// Delete removes the session entry first, then tears down the vendor instance.
// Deleting an absent session is not an error.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, ok, err := m.registry.load(ctx, sessionID)
		if err != nil || !ok {
			return err
		}

		removed, err := m.registry.removeIfUnchanged(ctx, sessionID, rec.raw)
		if err != nil {
			return err
		}
		if !removed {
			// touched concurrently; reload so we tear down what we actually removed
			continue
		}

		if rec.entry != nil {
			m.teardown(ctx, sessionID, rec.entry.Browser.VendorSessionID)
		}
		// a removed pending marker makes the creator's promote fail, and it tears down its own browser
		logging.Info("session: deleted", "session_id", sessionID)
		return nil
	}
	return fmt.Errorf("delete session %s: %w", sessionID, store.ErrConflict)
}

// OnTeardown registers fn to run after a browser is torn down. Not safe to
// call once the manager is serving requests.
func (m *Manager) OnTeardown(fn func(vendorSessionID string)) {
	m.onTeardown = append(m.onTeardown, fn)
}

// teardown is best effort: the entry is already gone, so failures are only logged
func (m *Manager) teardown(ctx context.Context, sessionID, vendorSessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TeardownTimeout)
	defer cancel()

	err := m.provider.Delete(ctx, vendorSessionID)
	for _, fn := range m.onTeardown {
		fn(vendorSessionID)
	}
	switch {
	case err == nil:
		logging.Debug("session: browser torn down", "session_id", sessionID, "vendor_session_id", vendorSessionID)
	case errors.Is(err, browser.ErrInstanceNotFound):
		logging.Debug("session: browser already gone at vendor", "session_id", sessionID, "vendor_session_id", vendorSessionID)
	default:
		logging.Warn("session: failed to tear down browser",
			"session_id", sessionID,
			"vendor_session_id", vendorSessionID,
			"error", err,
		)
	}
}

// RecordAgentActivity stamps the idle-expiry clock for the session
func (m *Manager) RecordAgentActivity(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, userID, func(e *models.SessionEntry, now time.Time) error {
		e.LastAgentActivityAt = now
		return nil
	})
	return err
}

// List returns the caller's live sessions, expiring idle ones along the way
func (m *Manager) List(ctx context.Context, userID string) ([]*models.SessionEntry, error) {
	ids, err := m.registry.sessionIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.SessionEntry
	for _, id := range ids {
		rec, ok, err := m.registry.load(ctx, id)
		if err != nil {
			logging.Warn("session: skipping unreadable entry", "session_id", id, "error", err)
			continue
		}
		if !ok || rec.entry == nil || rec.entry.OwnerUserID != userID {
			continue
		}
		if m.isIdle(rec.entry, m.now()) {
			m.expire(ctx, id, rec)
			continue
		}
		out = append(out, rec.entry)
	}
	return out, nil
}

// mutate applies fn to an owned, non-idle entry and refreshes its TTL.
// A nil fn only touches the entry. fn may return store.ErrSkipUpdate to
// leave the stored entry as it is.
func (m *Manager) mutate(ctx context.Context, sessionID, userID string, fn func(*models.SessionEntry, time.Time) error) (*models.SessionEntry, error) {
	return m.mutateEntry(ctx, sessionID, userID, true, fn)
}

var errIdle = errors.New("session idle")

func (m *Manager) mutateEntry(ctx context.Context, sessionID, userID string, checkIdle bool, fn func(*models.SessionEntry, time.Time) error) (*models.SessionEntry, error) {
	var out *models.SessionEntry
	var idle record

	err := m.registry.update(ctx, sessionID, func(e *models.SessionEntry, raw string) error {
		if e.OwnerUserID != userID {
			return m.ownershipViolation(sessionID, e.OwnerUserID, userID)
		}
		now := m.now()
		if checkIdle && m.isIdle(e, now) {
			idle = record{entry: e, raw: raw}
			return errIdle
		}
		out = e
		if fn != nil {
			if err := fn(e, now); err != nil {
				return err
			}
		}
		e.LastAccessedAt = now
		return nil
	})
	if errors.Is(err, errIdle) {
		m.expire(ctx, sessionID, idle)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.checkAnomaly(out)
	return out, nil
}

// isIdle reports whether the entry's agent has been quiet past IdleTimeout
func (m *Manager) isIdle(e *models.SessionEntry, now time.Time) bool {
	if now.Sub(e.LastAgentActivityAt) <= m.cfg.IdleTimeout {
		return false
	}
	if !m.cfg.ExpireWhileViewing && m.viewerActive(e, now) {
		return false
	}
	return true
}

// viewerActive reports a recorded viewer whose heartbeat is not stale
func (m *Manager) viewerActive(e *models.SessionEntry, now time.Time) bool {
	if e.LiveViewConnections == 0 || e.LastLiveViewHeartbeatAt == nil {
		return false
	}
	return now.Sub(*e.LastLiveViewHeartbeatAt) <= m.cfg.HeartbeatTimeout
}

// expire removes the idle record observed in rec and tears down its browser.
// It reports false if the key has since changed, e.g. because the session
// was already expired and re-created; the replacement is left alone.
func (m *Manager) expire(ctx context.Context, sessionID string, rec record) bool {
	removed, err := m.registry.removeIfUnchanged(ctx, sessionID, rec.raw)
	if err != nil {
		logging.Warn("session: failed to expire idle session", "session_id", sessionID, "error", err)
		return false
	}
	if !removed {
		logging.Debug("session: idle entry already replaced, not expiring", "session_id", sessionID)
		return false
	}

	logging.Info("session: idle timeout reached, expired",
		"session_id", sessionID,
		"last_agent_activity", rec.entry.LastAgentActivityAt,
		"live_view_connections", rec.entry.LiveViewConnections,
	)
	m.teardown(ctx, sessionID, rec.entry.Browser.VendorSessionID)
	return true
}

func (m *Manager) ownershipViolation(sessionID, owner, caller string) error {
	logging.Error("session: SECURITY ownership violation",
		"session_id", sessionID,
		"owner_user_id", owner,
		"caller_user_id", caller,
	)
	return fmt.Errorf("%w: %s", ErrOwnership, sessionID)
}

// checkAnomaly flags more than one recorded viewer, which points at
// cross-tab or cross-user leakage
func (m *Manager) checkAnomaly(e *models.SessionEntry) {
	if e.LiveViewConnections > 1 {
		logging.Error("session: live view anomaly, multiple viewer connections recorded",
			"session_id", e.SessionID,
			"owner_user_id", e.OwnerUserID,
			"live_view_connections", e.LiveViewConnections,
		)
	}
}
