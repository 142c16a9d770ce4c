package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

var errCommandTimeout = errors.New("command timed out")

// Worker drains one session's command stream in order
type Worker struct {
	q         *Queue
	userID    string
	sessionID string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	leaseToken string
}

func newWorker(q *Queue, userID, sessionID string) *Worker {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Worker{
		q:         q,
		userID:    userID,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Stop aborts the in-flight command, which is reported as cancelled, and ends the loop
func (w *Worker) Stop() {
	w.cancel(ErrStopped)
}

// Done is closed once the worker has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) leaseKey() string { return store.WorkerLeaseKey(w.userID, w.sessionID) }

func (w *Worker) run() {
	defer w.q.wg.Done()
	defer w.finish()

	ticker := time.NewTicker(w.q.cfg.PollInterval)
	defer ticker.Stop()

	lastActive := time.Now()
	for w.ctx.Err() == nil {
		if w.holdLease() {
			processed, err := w.step()
			if err != nil {
				logging.Warn("queue: worker step failed", "session_id", w.sessionID, "error", err)
			}
			if processed {
				lastActive = time.Now()
				continue
			}
		} else {
			// another process is draining; stay around while it has work in case it exits
			pending, err := w.hasPending(w.ctx)
			if err == nil && pending {
				lastActive = time.Now()
			}
		}

		if time.Since(lastActive) > w.q.cfg.IdleExit {
			return
		}

		select {
		case <-w.ctx.Done():
		case <-ticker.C:
		}
	}
}

// holdLease takes or refreshes the cross-process worker lease
func (w *Worker) holdLease() bool {
	ctx := w.ctx
	if w.leaseToken != "" {
		ok, err := w.q.locker.Refresh(ctx, w.leaseKey(), w.leaseToken, w.q.cfg.LeaseTTL)
		if err == nil && ok {
			return true
		}
		logging.Warn("queue: worker lease lost", "session_id", w.sessionID, "error", err)
		w.leaseToken = ""
	}

	token, ok, err := w.q.locker.TryAcquire(ctx, w.leaseKey(), w.q.instance, w.q.cfg.LeaseTTL)
	if err != nil || !ok {
		return false
	}
	w.leaseToken = token
	return true
}

func (w *Worker) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if w.leaseToken != "" {
		if _, err := w.q.locker.Release(ctx, w.leaseKey(), w.leaseToken); err != nil {
			logging.Warn("queue: failed to release worker lease", "session_id", w.sessionID, "error", err)
		}
	}

	open := w.q.deregister(w)
	close(w.done)
	logging.Debug("queue: worker exited", "session_id", w.sessionID, "cause", context.Cause(w.ctx))

	if !open || errors.Is(context.Cause(w.ctx), errShutdown) {
		return
	}
	// a command may have landed between the last poll and deregistration
	if pending, err := w.hasPending(ctx); err == nil && pending {
		if _, err := w.q.EnsureWorker(w.userID, w.sessionID); err != nil {
			logging.Warn("queue: failed to restart worker", "session_id", w.sessionID, "error", err)
		}
	}
}

func (w *Worker) cursor(ctx context.Context) (string, error) {
	cur, ok, err := w.q.store.Get(ctx, store.WorkerCursorKey(w.userID, w.sessionID))
	if err != nil {
		return "", err
	}
	if !ok {
		return store.Origin, nil
	}
	return cur, nil
}

func (w *Worker) hasPending(ctx context.Context) (bool, error) {
	cur, err := w.cursor(ctx)
	if err != nil {
		return false, err
	}
	last, err := w.q.store.LastID(ctx, store.CommandStream(w.userID, w.sessionID))
	if err != nil {
		return false, err
	}
	return store.CompareIDs(last, cur) > 0, nil
}

// stopHorizon returns the last command id covered by a stop request, if any
func (w *Worker) stopHorizon(ctx context.Context) (string, bool, error) {
	return w.q.store.Get(ctx, store.StopKey(w.userID, w.sessionID))
}

// step handles the next undelivered command, if there is one
func (w *Worker) step() (bool, error) {
	cur, err := w.cursor(w.ctx)
	if err != nil {
		return false, err
	}
	msgs, err := w.q.store.ReadAfter(w.ctx, store.CommandStream(w.userID, w.sessionID), cur, 1)
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	msg := msgs[0]

	var cmd models.CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		logging.Error("queue: dropping malformed command", "session_id", w.sessionID, "id", msg.ID, "error", err)
		return true, w.advance(msg.ID)
	}

	var res *models.ResultMessage
	if horizon, ok, err := w.stopHorizon(w.ctx); err != nil {
		return false, err
	} else if ok && store.CompareIDs(msg.ID, horizon) <= 0 {
		res = cancelledResult(cmd.CorrelationID)
	} else {
		res = w.execute(msg.ID, &cmd)
		if res == nil {
			// shutting down mid-command; leave it for redelivery
			return false, nil
		}
	}

	if err := w.publish(&cmd, res); err != nil {
		return false, err
	}
	return true, w.advance(msg.ID)
}

// execute runs cmd and returns its result, or nil if the queue is shutting down
func (w *Worker) execute(id string, cmd *models.CommandMessage) *models.ResultMessage {
	started, err := w.q.statusEntry(w.userID, w.sessionID, models.EventStarted, models.StatusPayload{
		CorrelationID: cmd.CorrelationID,
		Command:       cmd.Command,
	})
	if err == nil {
		_, err = w.q.store.AppendAll(w.ctx, started)
	}
	if err != nil {
		logging.Warn("queue: failed to publish started event", "session_id", w.sessionID, "error", err)
	}

	ctx, cancel := context.WithCancelCause(w.ctx)
	defer cancel(nil)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, w.q.cfg.CommandTimeout, errCommandTimeout)
	defer cancelTimeout()

	go w.watch(ctx, cancel, id)

	start := time.Now()
	output, err := w.perform(ctx, cmd)

	if err == nil {
		return &models.ResultMessage{
			CorrelationID: cmd.CorrelationID,
			Success:       true,
			Output:        output,
			CompletedAt:   time.Now(),
		}
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errShutdown):
		return nil
	case errors.Is(cause, ErrStopped):
		logging.Info("queue: command stopped", "session_id", w.sessionID, "correlation_id", cmd.CorrelationID)
		return cancelledResult(cmd.CorrelationID)
	case errors.Is(cause, errCommandTimeout):
		err = errCommandTimeout
	}

	logging.Warn("queue: command failed",
		"session_id", w.sessionID,
		"correlation_id", cmd.CorrelationID,
		"took", time.Since(start),
		"error", err,
	)
	return &models.ResultMessage{
		CorrelationID: cmd.CorrelationID,
		Success:       false,
		Error:         err.Error(),
		CompletedAt:   time.Now(),
	}
}

// perform ensures the browser, stamps agent activity and runs the instruction
func (w *Worker) perform(ctx context.Context, cmd *models.CommandMessage) (string, error) {
	entry, err := w.q.sessions.GetOrCreate(ctx, w.sessionID, w.userID, models.CreateOptions{})
	if err != nil {
		return "", err
	}
	if err := w.q.sessions.RecordAgentActivity(ctx, w.sessionID, w.userID); err != nil {
		return "", err
	}
	return w.q.exec.Execute(ctx, entry.Browser, cmd.Command)
}

// watch cancels the command when a stop request covers it and keeps the lease alive
func (w *Worker) watch(ctx context.Context, cancel context.CancelCauseFunc, id string) {
	ticker := time.NewTicker(w.q.cfg.StopPoll)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if horizon, ok, err := w.stopHorizon(ctx); err == nil && ok && store.CompareIDs(id, horizon) <= 0 {
			cancel(ErrStopped)
			return
		}
		if time.Since(lastRefresh) > w.q.cfg.LeaseTTL/3 {
			if ok, err := w.q.locker.Refresh(ctx, w.leaseKey(), w.leaseToken, w.q.cfg.LeaseTTL); err == nil && ok {
				lastRefresh = time.Now()
			}
		}
	}
}

// publish writes the result and its terminal status event together
func (w *Worker) publish(cmd *models.CommandMessage, res *models.ResultMessage) error {
	ctx := context.WithoutCancel(w.ctx)

	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	kind := models.EventCompleted
	switch {
	case res.Cancelled:
		kind = models.EventCancelled
	case !res.Success:
		kind = models.EventFailed
	}
	status, err := w.q.statusEntry(w.userID, w.sessionID, kind, models.StatusPayload{
		CorrelationID: cmd.CorrelationID,
		Command:       cmd.Command,
		Output:        res.Output,
		Error:         res.Error,
	})
	if err != nil {
		return err
	}

	_, err = w.q.store.AppendAll(ctx, store.Entry{
		Stream: store.ResultStream(w.userID, w.sessionID),
		Data:   data,
		Opts:   w.q.appendOpts(),
	}, status)
	return err
}

// advance moves the cursor past id; only called once the result is durable
func (w *Worker) advance(id string) error {
	return w.q.store.Set(context.WithoutCancel(w.ctx), store.WorkerCursorKey(w.userID, w.sessionID), id, w.q.cfg.StreamTTL)
}

func cancelledResult(correlationID string) *models.ResultMessage {
	return &models.ResultMessage{
		CorrelationID: correlationID,
		Success:       false,
		Cancelled:     true,
		Error:         ErrStopped.Error(),
		CompletedAt:   time.Now(),
	}
}
