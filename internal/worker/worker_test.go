// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twidi/redis-limpyd-jobs/internal/config"
	"github.com/twidi/redis-limpyd-jobs/internal/jobqueue"
	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, kvstore.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb, "jobs")

	if cfg.Worker.Name == "" {
		cfg.Name = "email"
	}
	if cfg.CircuitBreaker.MinSamples == 0 {
		cfg.CircuitBreaker = config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: time.Second, MinSamples: 1000}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.MaxLoops == 0 {
		cfg.MaxLoops = 1
	}
	cfg.TerminateGracefully = true

	w, err := New(cfg, store, "jobs", zap.NewNop())
	require.NoError(t, err)
	return w, store, func() { rdb.Close(); mr.Close() }
}

func TestRunDispatchesWaitingJobToCallback(t *testing.T) {
	var gotIdentifier string
	cfg := Config{Callback: func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (interface{}, error) {
		gotIdentifier = job.Identifier
		return nil, nil
	}}
	w, store, cleanup := newTestWorker(t, cfg)
	defer cleanup()
	ctx := context.Background()

	_, err := jobqueue.AddJob(ctx, store, "jobs", "email:1", "email", 0, false, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(ctx))
	require.Equal(t, "email:1", gotIdentifier)

	job, err := jobqueue.GetJob(ctx, store, "jobs", 1)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusSuccess, job.Status)
}

func TestRunSkipsJobNoLongerWaiting(t *testing.T) {
	called := false
	cfg := Config{Callback: func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (interface{}, error) {
		called = true
		return nil, nil
	}}
	w, store, cleanup := newTestWorker(t, cfg)
	defer cleanup()
	ctx := context.Background()

	job, err := jobqueue.AddJob(ctx, store, "jobs", "email:1", "email", 0, false, nil)
	require.NoError(t, err)
	// Simulate the job having already been canceled by another actor between
	// enqueue and dispatch: the waiting list entry is still there, but the
	// hash no longer says WAITING.
	require.NoError(t, store.HashSet(ctx, kvstore.EntityKey("jobs", "job", job.PK), map[string]string{"status": "CANCELED"}))

	require.NoError(t, w.Run(ctx))
	require.False(t, called, "callback must not run for a non-WAITING job")
}

type codedErr struct{ typ, code, msg string }

func (e *codedErr) Error() string      { return e.msg }
func (e *codedErr) ErrorType() string  { return e.typ }
func (e *codedErr) ErrorCode() string  { return e.code }

func TestRunRecordsErrorOnCallbackFailure(t *testing.T) {
	cfg := Config{Worker: config.Worker{SaveErrors: true}, Callback: func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (interface{}, error) {
		return nil, &codedErr{typ: "ValidationError", code: "bad_input", msg: "missing field"}
	}}
	w, store, cleanup := newTestWorker(t, cfg)
	defer cleanup()
	ctx := context.Background()

	_, err := jobqueue.AddJob(ctx, store, "jobs", "email:1", "email", 0, false, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(ctx))

	job, err := jobqueue.GetJob(ctx, store, "jobs", 1)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusError, job.Status)

	errPKs, err := store.Collection(ctx, "error", "type", "ValidationError")
	require.NoError(t, err)
	require.Len(t, errPKs, 1)

	rec, err := jobqueue.GetError(ctx, store, "jobs", errPKs[0])
	require.NoError(t, err)
	require.Equal(t, "bad_input", rec.Code)
	require.Equal(t, "email:1", rec.Identifier)
}

func TestRunStopsGracefullyOnContextCancel(t *testing.T) {
	started := make(chan struct{})
	cfg := Config{
		Worker: config.Worker{MaxLoops: 1000, Timeout: 100 * time.Millisecond, TerminateGracefully: true},
		Callback: func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (interface{}, error) {
			close(started)
			return nil, nil
		},
	}
	cfg.Name = "email"
	w, store, cleanup := newTestWorker(t, cfg)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())

	_, err := jobqueue.AddJob(context.Background(), store, "jobs", "email:1", "email", 0, false, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestNewRejectsMissingName(t *testing.T) {
	_, err := New(Config{Callback: func(context.Context, *jobqueue.Job, *jobqueue.Queue) (interface{}, error) { return nil, nil }}, nil, "jobs", zap.NewNop())
	require.Error(t, err)
}

func TestNewRejectsMissingCallback(t *testing.T) {
	cfg := Config{}
	cfg.Name = "email"
	_, err := New(cfg, nil, "jobs", zap.NewNop())
	require.Error(t, err)
}

func TestRunTwiceReturnsAlreadyTerminatedError(t *testing.T) {
	cfg := Config{Callback: func(context.Context, *jobqueue.Job, *jobqueue.Queue) (interface{}, error) { return nil, nil }}
	w, _, cleanup := newTestWorker(t, cfg)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, w.Run(ctx))
	err := w.Run(ctx)
	require.Error(t, err)
	require.Equal(t, StatusAborted, w.getStatus())
}

// erroringPopStore wraps a real Store but always fails BlockingPopLeft, so
// the circuit breaker guarding the worker's pop loop (internal/breaker) has
// something real to trip on.
type erroringPopStore struct {
	kvstore.Store
}

func (erroringPopStore) BlockingPopLeft(ctx context.Context, keys []string, timeout time.Duration) (string, string, bool, error) {
	return "", "", false, errors.New("kvstore: unreachable")
}

func TestRunOpensBreakerOnRepeatedPopErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := kvstore.New(rdb, "jobs")

	// A tier must exist or Run aborts before ever reaching the pop loop.
	_, err = jobqueue.AddJob(context.Background(), store, "jobs", "email:1", "email", 0, false, nil)
	require.NoError(t, err)

	cfg := Config{Callback: func(context.Context, *jobqueue.Job, *jobqueue.Queue) (interface{}, error) { return nil, nil }}
	cfg.Name = "email"
	cfg.MaxLoops = 1000
	cfg.Timeout = 50 * time.Millisecond
	cfg.CircuitBreaker = config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: time.Hour, MinSamples: 1, Pause: 5 * time.Millisecond}

	w, err := New(cfg, erroringPopStore{Store: store}, "jobs", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, w.Run(ctx))
	require.False(t, w.cb.Allow(), "breaker should be open after repeated pop failures and not yet out of its cooldown")
}
