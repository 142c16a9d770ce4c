package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/internal/store/storetest"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const (
	user    = "alice"
	session = "thread-42-alice"
)

type fakeSessions struct {
	err error

	mu       sync.Mutex
	activity int
}

func (s *fakeSessions) GetOrCreate(_ context.Context, sessionID, userID string, _ models.CreateOptions) (*models.SessionEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.SessionEntry{
		SessionID:   sessionID,
		OwnerUserID: userID,
		Browser:     models.BrowserHandle{VendorSessionID: "vendor-1", ControlURL: "ws://browser"},
	}, nil
}

func (s *fakeSessions) RecordAgentActivity(context.Context, string, string) error {
	s.mu.Lock()
	s.activity++
	s.mu.Unlock()
	return nil
}

// fakeExecutor records commands in execution order. Commands starting with
// "fail" error, "slow" sleep, and "block" wait for cancellation.
type fakeExecutor struct {
	started chan string

	mu       sync.Mutex
	executed []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{started: make(chan string, 100)}
}

func (x *fakeExecutor) Execute(ctx context.Context, handle models.BrowserHandle, command string) (string, error) {
	x.mu.Lock()
	x.executed = append(x.executed, command)
	x.mu.Unlock()
	x.started <- command

	switch {
	case strings.HasPrefix(command, "fail"):
		return "", errors.New("element not found: #missing")
	case strings.HasPrefix(command, "slow"):
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	case strings.HasPrefix(command, "block"):
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "done: " + command + " on " + handle.VendorSessionID, nil
}

func (x *fakeExecutor) commands() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.executed...)
}

func testConfig() Config {
	return Config{
		PollInterval:   10 * time.Millisecond,
		ResultTimeout:  5 * time.Second,
		CommandTimeout: 5 * time.Second,
		IdleExit:       200 * time.Millisecond,
		LeaseTTL:       5 * time.Second,
		StopPoll:       10 * time.Millisecond,
		StopTTL:        time.Minute,
		StreamMaxLen:   1000,
		StreamTTL:      time.Hour,
	}
}

// newTestQueue builds a queue on its own connection, like a separate server process
func newTestQueue(t *testing.T, mr *miniredis.Miniredis, sessions Sessions, exec Executor) *Queue {
	t.Helper()
	s := storetest.Connect(t, mr)
	q := New(s, lock.New(s, lock.DefaultConfig()), sessions, exec, testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func setup(t *testing.T) (*Queue, *fakeExecutor, *fakeSessions, *miniredis.Miniredis) {
	t.Helper()
	_, mr := storetest.New(t)
	exec := newFakeExecutor()
	sessions := &fakeSessions{}
	return newTestQueue(t, mr, sessions, exec), exec, sessions, mr
}

func enqueue(t *testing.T, q *Queue, correlationID, command string) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), &models.CommandMessage{
		CorrelationID: correlationID,
		Command:       command,
		SessionID:     session,
		UserID:        user,
	})
	require.NoError(t, err)
}

func await(t *testing.T, q *Queue, correlationID string) *models.ResultMessage {
	t.Helper()
	res, err := q.AwaitResult(context.Background(), user, session, correlationID)
	require.NoError(t, err)
	return res
}

type eventKey struct {
	Kind          models.EventKind
	CorrelationID string
}

func events(t *testing.T, q *Queue) []eventKey {
	t.Helper()
	evs, err := q.ReadEvents(context.Background(), user, session, store.Origin, 100)
	require.NoError(t, err)

	out := make([]eventKey, 0, len(evs))
	for _, ev := range evs {
		assert.NotEmpty(t, ev.Cursor)
		out = append(out, eventKey{ev.Kind, ev.Payload.CorrelationID})
	}
	return out
}

func TestCommandsRunInEnqueueOrder(t *testing.T) {
	q, exec, sessions, _ := setup(t)

	enqueue(t, q, "c1", "slow open https://example.com")
	enqueue(t, q, "c2", "click #next")
	enqueue(t, q, "c3", "title")

	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	res := await(t, q, "c3")
	assert.True(t, res.Success)
	assert.Equal(t, "done: title on vendor-1", res.Output)

	assert.Equal(t, []string{"slow open https://example.com", "click #next", "title"}, exec.commands())
	assert.Equal(t, []eventKey{
		{models.EventQueued, "c1"},
		{models.EventQueued, "c2"},
		{models.EventQueued, "c3"},
		{models.EventStarted, "c1"},
		{models.EventCompleted, "c1"},
		{models.EventStarted, "c2"},
		{models.EventCompleted, "c2"},
		{models.EventStarted, "c3"},
		{models.EventCompleted, "c3"},
	}, events(t, q))

	sessions.mu.Lock()
	assert.Equal(t, 3, sessions.activity, "every command stamps agent activity")
	sessions.mu.Unlock()
}

func TestSubmitReturnsResult(t *testing.T) {
	q, _, _, _ := setup(t)

	cmd := &models.CommandMessage{Command: "open https://example.com", SessionID: session, UserID: user}
	res, err := q.Submit(context.Background(), cmd)
	require.NoError(t, err)

	assert.NotEmpty(t, cmd.CorrelationID, "a correlation id is generated when missing")
	assert.Equal(t, cmd.CorrelationID, res.CorrelationID)
	assert.True(t, res.Success)
}

func TestAwaitResultIsIdempotent(t *testing.T) {
	q, _, _, _ := setup(t)

	enqueue(t, q, "c1", "title")
	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	first := await(t, q, "c1")
	second := await(t, q, "c1")
	assert.Equal(t, first, second)

	res, ok, err := q.Result(context.Background(), user, session, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, res)

	_, ok, err = q.Result(context.Background(), user, session, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwaitResultBeforeWorkerStarts(t *testing.T) {
	q, _, _, _ := setup(t)

	got := make(chan *models.ResultMessage, 1)
	go func() {
		res, err := q.AwaitResult(context.Background(), user, session, "c1")
		if err == nil {
			got <- res
		}
		close(got)
	}()

	time.Sleep(30 * time.Millisecond)
	enqueue(t, q, "c1", "title")
	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	select {
	case res := <-got:
		require.NotNil(t, res)
		assert.True(t, res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("result never arrived")
	}
}

func TestAwaitResultTimesOut(t *testing.T) {
	_, mr := storetest.New(t)
	s := storetest.Connect(t, mr)
	cfg := testConfig()
	cfg.ResultTimeout = 50 * time.Millisecond
	q := New(s, lock.New(s, lock.DefaultConfig()), &fakeSessions{}, newFakeExecutor(), cfg)

	_, err := q.AwaitResult(context.Background(), user, session, "never")
	assert.ErrorIs(t, err, ErrResultTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.AwaitResult(ctx, user, session, "never")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailedCommandDoesNotStopWorker(t *testing.T) {
	q, exec, _, _ := setup(t)

	enqueue(t, q, "c1", "fail click #missing")
	enqueue(t, q, "c2", "title")
	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	failed := await(t, q, "c1")
	assert.False(t, failed.Success)
	assert.False(t, failed.Cancelled)
	assert.Equal(t, "element not found: #missing", failed.Error)

	ok := await(t, q, "c2")
	assert.True(t, ok.Success)
	assert.Len(t, exec.commands(), 2)

	evs := events(t, q)
	assert.Contains(t, evs, eventKey{models.EventFailed, "c1"})
	assert.Contains(t, evs, eventKey{models.EventCompleted, "c2"})
}

func TestSessionErrorFailsCommand(t *testing.T) {
	q, exec, sessions, _ := setup(t)
	sessions.err = errors.New("session belongs to another user")

	enqueue(t, q, "c1", "title")
	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	res := await(t, q, "c1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "another user")
	assert.Empty(t, exec.commands())
}

func TestStopCancelsInFlightAndQueuedCommands(t *testing.T) {
	q, exec, _, _ := setup(t)

	enqueue(t, q, "c1", "block wait #never")
	enqueue(t, q, "c2", "click #next")
	_, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first command never started")
	}
	require.NoError(t, q.RequestStop(context.Background(), user, session))

	for _, id := range []string{"c1", "c2"} {
		res := await(t, q, id)
		assert.False(t, res.Success, id)
		assert.True(t, res.Cancelled, id)
		assert.Equal(t, ErrStopped.Error(), res.Error)
	}

	// commands after the stop run normally
	res, err := q.Submit(context.Background(), &models.CommandMessage{
		CorrelationID: "c3", Command: "title", SessionID: session, UserID: user,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, []string{"block wait #never", "title"}, exec.commands())
	evs := events(t, q)
	assert.Contains(t, evs, eventKey{models.EventCancelled, "c1"})
	assert.Contains(t, evs, eventKey{models.EventCancelled, "c2"})
	assert.NotContains(t, evs, eventKey{models.EventStarted, "c2"})
}

func TestStopFromAnotherProcess(t *testing.T) {
	_, mr := storetest.New(t)
	exec := newFakeExecutor()
	running := newTestQueue(t, mr, &fakeSessions{}, exec)
	other := newTestQueue(t, mr, &fakeSessions{}, newFakeExecutor())

	enqueue(t, running, "c1", "block wait #never")
	_, err := running.EnsureWorker(user, session)
	require.NoError(t, err)
	<-exec.started

	require.NoError(t, other.RequestStop(context.Background(), user, session))

	res := await(t, other, "c1")
	assert.True(t, res.Cancelled)
}

func TestLeaseKeepsSingleWorkerAcrossProcesses(t *testing.T) {
	_, mr := storetest.New(t)
	exec := newFakeExecutor()
	q1 := newTestQueue(t, mr, &fakeSessions{}, exec)
	q2 := newTestQueue(t, mr, &fakeSessions{}, exec)

	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range ids {
		enqueue(t, q1, id, "slow "+id)
	}
	_, err := q1.EnsureWorker(user, session)
	require.NoError(t, err)
	_, err = q2.EnsureWorker(user, session)
	require.NoError(t, err)

	for _, id := range ids {
		assert.True(t, await(t, q2, id).Success)
	}
	assert.Equal(t, []string{"slow c1", "slow c2", "slow c3", "slow c4", "slow c5"}, exec.commands())
}

func TestShutdownLeavesInFlightCommandForRedelivery(t *testing.T) {
	_, mr := storetest.New(t)
	exec := newFakeExecutor()
	s := storetest.Connect(t, mr)
	q := New(s, lock.New(s, lock.DefaultConfig()), &fakeSessions{}, exec, testConfig())

	enqueue(t, q, "c1", "block wait #never")
	w, err := q.EnsureWorker(user, session)
	require.NoError(t, err)
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	<-w.Done()

	_, ok, err := q.Result(context.Background(), user, session, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "no result is published for an interrupted command")

	_, err = q.EnsureWorker(user, session)
	assert.Error(t, err, "a closed queue starts no workers")

	// the next process picks it up; the block prefix no longer blocks there
	next := newTestQueue(t, mr, &fakeSessions{}, executorFunc(func(context.Context, models.BrowserHandle, string) (string, error) {
		return "redelivered", nil
	}))
	_, err = next.EnsureWorker(user, session)
	require.NoError(t, err)

	res := await(t, next, "c1")
	assert.True(t, res.Success)
	assert.Equal(t, "redelivered", res.Output)
}

func TestWorkerExitsWhenIdleAndRestartsOnDemand(t *testing.T) {
	q, _, _, _ := setup(t)

	w, err := q.EnsureWorker(user, session)
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle worker never exited")
	}

	res, err := q.Submit(context.Background(), &models.CommandMessage{
		CorrelationID: "c1", Command: "title", SessionID: session, UserID: user,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestEnqueueValidates(t *testing.T) {
	q, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &models.CommandMessage{Command: "title", UserID: user})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, &models.CommandMessage{SessionID: session, UserID: user})
	assert.Error(t, err)
}

type executorFunc func(ctx context.Context, handle models.BrowserHandle, command string) (string, error)

func (f executorFunc) Execute(ctx context.Context, handle models.BrowserHandle, command string) (string, error) {
	return f(ctx, handle, command)
}
