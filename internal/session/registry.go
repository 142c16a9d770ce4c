package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// record is a decoded session key: exactly one of entry or pending is set
type record struct {
	entry   *models.SessionEntry
	pending *models.PendingMarker
	raw     string
}

// Registry reads and writes session records in the shared store
type Registry struct {
	store      *store.Client
	entryTTL   time.Duration
	pendingTTL time.Duration
}

// NewRegistry creates a registry with the given entry and pending-marker TTLs
func NewRegistry(s *store.Client, entryTTL, pendingTTL time.Duration) *Registry {
	return &Registry{store: s, entryTTL: entryTTL, pendingTTL: pendingTTL}
}

func decodeRecord(raw string) (record, error) {
	var head struct {
		Status models.EntryStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return record{}, fmt.Errorf("decode session record: %w", err)
	}

	rec := record{raw: raw}
	switch head.Status {
	case models.StatusPending:
		rec.pending = &models.PendingMarker{}
		if err := json.Unmarshal([]byte(raw), rec.pending); err != nil {
			return record{}, fmt.Errorf("decode pending marker: %w", err)
		}
	case models.StatusReady:
		rec.entry = &models.SessionEntry{}
		if err := json.Unmarshal([]byte(raw), rec.entry); err != nil {
			return record{}, fmt.Errorf("decode session entry: %w", err)
		}
	default:
		return record{}, fmt.Errorf("unknown session record status %q", head.Status)
	}
	return rec, nil
}

// load returns the record for sessionID; ok is false if the key is absent
func (r *Registry) load(ctx context.Context, sessionID string) (record, bool, error) {
	raw, ok, err := r.store.Get(ctx, store.SessionKey(sessionID))
	if err != nil || !ok {
		return record{}, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

// hasEntry reports whether a finished entry exists for sessionID
func (r *Registry) hasEntry(ctx context.Context, sessionID string) (bool, error) {
	rec, ok, err := r.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return ok && rec.entry != nil, nil
}

// writePending stores a pending marker and returns its encoded form
func (r *Registry) writePending(ctx context.Context, sessionID string, marker models.PendingMarker) (string, error) {
	marker.Status = models.StatusPending
	data, err := json.Marshal(marker)
	if err != nil {
		return "", err
	}
	if err := r.store.Set(ctx, store.SessionKey(sessionID), string(data), r.pendingTTL); err != nil {
		return "", err
	}
	return string(data), nil
}

// promote replaces the pending marker with entry, only if the marker is untouched
func (r *Registry) promote(ctx context.Context, sessionID, pendingRaw string, entry *models.SessionEntry) (bool, error) {
	entry.Status = models.StatusReady
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	return r.store.CompareAndSwap(ctx, store.SessionKey(sessionID), pendingRaw, string(data), r.entryTTL)
}

// clearPending removes our own pending marker after a failed creation
func (r *Registry) clearPending(ctx context.Context, sessionID, pendingRaw string) error {
	_, err := r.store.CompareAndDelete(ctx, store.SessionKey(sessionID), pendingRaw)
	return err
}

// removeIfUnchanged deletes the record only if it still encodes to raw
func (r *Registry) removeIfUnchanged(ctx context.Context, sessionID, raw string) (bool, error) {
	return r.store.CompareAndDelete(ctx, store.SessionKey(sessionID), raw)
}

// update applies fn to the entry for sessionID and writes it back with a
// refreshed TTL. fn also gets the encoded record it was decoded from. Absent
// keys and pending markers report ErrNotFound.
func (r *Registry) update(ctx context.Context, sessionID string, fn func(e *models.SessionEntry, raw string) error) error {
	return r.store.Update(ctx, store.SessionKey(sessionID), r.entryTTL, func(cur string, ok bool) (string, error) {
		if !ok {
			return "", ErrNotFound
		}
		rec, err := decodeRecord(cur)
		if err != nil {
			return "", err
		}
		if rec.entry == nil {
			return "", ErrNotFound
		}
		if err := fn(rec.entry, cur); err != nil {
			return "", err
		}
		data, err := json.Marshal(rec.entry)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

// sessionIDs lists every session key currently in the store
func (r *Registry) sessionIDs(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, store.SessionPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(store.SessionPrefix):])
	}
	return ids, nil
}
