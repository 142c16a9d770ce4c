// Package queue serializes automation commands per session through shared
// store streams. Commands, results and status events each live on their own
// append-only stream; nothing is ever consumed destructively.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

var (
	// ErrStopped marks a command aborted by the user rather than failed
	ErrStopped = errors.New("stopped by user")

	// ErrResultTimeout is returned when no result appeared within ResultTimeout
	ErrResultTimeout = errors.New("timed out waiting for command result")

	errShutdown = errors.New("queue shutting down")
)

// Config holds queue polling and retention settings
type Config struct {
	PollInterval   time.Duration
	ResultTimeout  time.Duration
	CommandTimeout time.Duration
	IdleExit       time.Duration
	LeaseTTL       time.Duration
	StopPoll       time.Duration
	StopTTL        time.Duration
	StreamMaxLen   int64
	StreamTTL      time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:   250 * time.Millisecond,
		ResultTimeout:  5 * time.Minute,
		CommandTimeout: 3 * time.Minute,
		IdleExit:       30 * time.Second,
		LeaseTTL:       30 * time.Second,
		StopPoll:       500 * time.Millisecond,
		StopTTL:        10 * time.Minute,
		StreamMaxLen:   1000,
		StreamTTL:      24 * time.Hour,
	}
}

// Sessions is the part of the lifecycle manager the worker needs
type Sessions interface {
	GetOrCreate(ctx context.Context, sessionID, userID string, opts models.CreateOptions) (*models.SessionEntry, error)
	RecordAgentActivity(ctx context.Context, sessionID, userID string) error
}

// Executor runs one instruction against a browser
type Executor interface {
	Execute(ctx context.Context, handle models.BrowserHandle, command string) (string, error)
}

// Queue accepts commands and runs at most one worker per session on this process
type Queue struct {
	store    *store.Client
	locker   *lock.Locker
	sessions Sessions
	exec     Executor
	cfg      Config
	instance string

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool
	wg      sync.WaitGroup
}

// New creates a queue
func New(s *store.Client, locker *lock.Locker, sessions Sessions, exec Executor, cfg Config) *Queue {
	return &Queue{
		store:    s,
		locker:   locker,
		sessions: sessions,
		exec:     exec,
		cfg:      cfg,
		instance: uuid.NewString(),
		workers:  make(map[string]*Worker),
	}
}

func (q *Queue) appendOpts() store.AppendOptions {
	return store.AppendOptions{MaxLen: q.cfg.StreamMaxLen, TTL: q.cfg.StreamTTL}
}

func (q *Queue) statusEntry(userID, sessionID string, kind models.EventKind, payload models.StatusPayload) (store.Entry, error) {
	data, err := json.Marshal(models.StatusEvent{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return store.Entry{}, err
	}
	return store.Entry{Stream: store.StatusStream(userID, sessionID), Data: data, Opts: q.appendOpts()}, nil
}

// Enqueue appends cmd to its session's command stream together with a
// queued status event, and returns the cursor of that event.
func (q *Queue) Enqueue(ctx context.Context, cmd *models.CommandMessage) (string, error) {
	if cmd.SessionID == "" || cmd.UserID == "" {
		return "", fmt.Errorf("sessionId and userId are required")
	}
	if cmd.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	queued, err := q.statusEntry(cmd.UserID, cmd.SessionID, models.EventQueued, models.StatusPayload{
		CorrelationID: cmd.CorrelationID,
		Command:       cmd.Command,
	})
	if err != nil {
		return "", err
	}

	// queued goes first so no worker can report started before it
	ids, err := q.store.AppendAll(ctx, queued, store.Entry{
		Stream: store.CommandStream(cmd.UserID, cmd.SessionID),
		Data:   data,
		Opts:   q.appendOpts(),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}

	logging.Debug("queue: command enqueued",
		"session_id", cmd.SessionID,
		"correlation_id", cmd.CorrelationID,
		"cursor", ids[1],
	)
	return ids[0], nil
}

// Submit enqueues cmd, makes sure a worker is draining, and waits for its result
func (q *Queue) Submit(ctx context.Context, cmd *models.CommandMessage) (*models.ResultMessage, error) {
	if _, err := q.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	if _, err := q.EnsureWorker(cmd.UserID, cmd.SessionID); err != nil {
		return nil, err
	}
	return q.AwaitResult(ctx, cmd.UserID, cmd.SessionID, cmd.CorrelationID)
}

// AwaitResult polls the result stream from its origin until correlationID
// shows up. Results are never removed, so any number of waiters see the same one.
func (q *Queue) AwaitResult(ctx context.Context, userID, sessionID, correlationID string) (*models.ResultMessage, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, q.cfg.ResultTimeout, ErrResultTimeout)
	defer cancel()

	stream := store.ResultStream(userID, sessionID)
	cursor := store.Origin

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, next, err := q.scanResults(ctx, stream, cursor, correlationID)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		cursor = next

		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ErrResultTimeout) {
				return nil, fmt.Errorf("%w: %s", ErrResultTimeout, correlationID)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result returns the result for correlationID if it has been published
func (q *Queue) Result(ctx context.Context, userID, sessionID, correlationID string) (*models.ResultMessage, bool, error) {
	res, _, err := q.scanResults(ctx, store.ResultStream(userID, sessionID), store.Origin, correlationID)
	if err != nil {
		return nil, false, err
	}
	return res, res != nil, nil
}

func (q *Queue) scanResults(ctx context.Context, stream, cursor, correlationID string) (*models.ResultMessage, string, error) {
	for {
		msgs, err := q.store.ReadAfter(ctx, stream, cursor, 100)
		if err != nil {
			return nil, cursor, err
		}
		if len(msgs) == 0 {
			return nil, cursor, nil
		}
		for _, m := range msgs {
			cursor = m.ID
			var res models.ResultMessage
			if err := json.Unmarshal(m.Data, &res); err != nil {
				logging.Warn("queue: skipping malformed result", "stream", stream, "id", m.ID, "error", err)
				continue
			}
			if res.CorrelationID == correlationID {
				return &res, cursor, nil
			}
		}
	}
}

// ReadEvents returns up to count status events after cursor, each tagged with its own cursor
func (q *Queue) ReadEvents(ctx context.Context, userID, sessionID, cursor string, count int64) ([]models.StatusEvent, error) {
	msgs, err := q.store.ReadAfter(ctx, store.StatusStream(userID, sessionID), cursor, count)
	if err != nil {
		return nil, err
	}

	events := make([]models.StatusEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev models.StatusEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logging.Warn("queue: skipping malformed status event", "session_id", sessionID, "id", m.ID, "error", err)
			continue
		}
		ev.Cursor = m.ID
		events = append(events, ev)
	}
	return events, nil
}

func workerKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// EnsureWorker returns this process's worker for the session, starting one if
// none is running. Across processes the worker lease keeps a single one draining.
func (q *Queue) EnsureWorker(userID, sessionID string) (*Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, errShutdown
	}

	key := workerKey(userID, sessionID)
	if w, ok := q.workers[key]; ok {
		return w, nil
	}

	w := newWorker(q, userID, sessionID)
	q.workers[key] = w
	q.wg.Add(1)
	go w.run()

	logging.Debug("queue: worker started", "session_id", sessionID, "user_id", userID)
	return w, nil
}

func (q *Queue) worker(userID, sessionID string) *Worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers[workerKey(userID, sessionID)]
}

// deregister removes w and reports whether the queue still accepts workers
func (q *Queue) deregister(w *Worker) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := workerKey(w.userID, w.sessionID)
	if q.workers[key] == w {
		delete(q.workers, key)
	}
	return !q.closed
}

// RequestStop cancels every command queued up to now for the session, including
// the one in flight, on whichever process is running it. Later commands run normally.
func (q *Queue) RequestStop(ctx context.Context, userID, sessionID string) error {
	horizon, err := q.store.LastID(ctx, store.CommandStream(userID, sessionID))
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, store.StopKey(userID, sessionID), horizon, q.cfg.StopTTL); err != nil {
		return err
	}

	if w := q.worker(userID, sessionID); w != nil {
		w.Stop()
	}

	logging.Info("queue: stop requested", "session_id", sessionID, "user_id", userID, "horizon", horizon)
	return nil
}

// Shutdown stops every local worker without publishing results for in-flight
// commands; they stay queued for redelivery.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	workers := make([]*Worker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	for _, w := range workers {
		w.cancel(errShutdown)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
