// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twidi/redis-limpyd-jobs/internal/breaker"
	"github.com/twidi/redis-limpyd-jobs/internal/config"
	"github.com/twidi/redis-limpyd-jobs/internal/jobqueue"
	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
	"github.com/twidi/redis-limpyd-jobs/internal/obs"
)

// Status is the worker's lifecycle state, spec.md §4.D: none -> waiting ->
// running -> terminated, or none -> aborted if it never got to run.
type Status string

const (
	StatusNone       Status = ""
	StatusWaiting    Status = "waiting"
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
	StatusAborted    Status = "aborted"
)

// Callback is the work a Worker performs for each dequeued job. Its error
// return is this system's replacement for the source's "callback raised an
// exception" branch (job_error) versus a nil return (job_success).
type Callback func(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue) (result interface{}, err error)

// CodedError lets a callback attach a stable error type/code, the Go
// substitute for introspecting a caught exception's class name (Design
// Notes §9). Callers that don't implement it get a generic description.
type CodedError interface {
	error
	ErrorType() string
	ErrorCode() string
}

// Config is what a Worker is built from: the plain settings of config.Worker,
// the circuit-breaker settings guarding the blocking pop, the callback to run
// and the optional extra error fields hook (the source's
// additional_error_fields).
type Config struct {
	config.Worker
	CircuitBreaker        config.CircuitBreaker
	Callback              Callback
	AdditionalErrorFields func(job *jobqueue.Job, queue *jobqueue.Queue, err error) map[string]string
}

// Worker implements spec.md §4.D: a run loop bound to a logical queue name,
// draining its tiers in strict priority order and dispatching jobs to a
// callback, grounded directly on original_source/limpyd_jobs/workers.py.
type Worker struct {
	cfg       Config
	store     kvstore.Store
	namespace string
	log       *zap.Logger
	cb        *breaker.CircuitBreaker
	id        string

	mu              sync.Mutex
	status          Status
	numLoops        int
	endForced       bool
	endSignalCaught bool
	keys            []string

	logOnce sync.Once
}

// New builds a Worker, validating configuration the way the source's
// __init__ raises ImplementationError for a missing name.
func New(cfg Config, store kvstore.Store, namespace string, log *zap.Logger) (*Worker, error) {
	if cfg.Name == "" {
		return nil, errors.New("worker: name is not defined")
	}
	if cfg.Callback == nil {
		return nil, errors.New("worker: callback is not defined")
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if namespace == "" {
		namespace = kvstore.DefaultNamespace
	}

	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	loggerName := fmt.Sprintf("%s.%s", orDefault(cfg.LoggerBaseName, "jobs.worker"), cfg.Name)
	workerLog := log.Named(loggerName).With(zap.String("worker", cfg.Name))

	return &Worker{
		cfg:       cfg,
		store:     store,
		namespace: namespace,
		log:       workerLog,
		cb:        cb,
		id:        uuid.NewString(),
		status:    StatusNone,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ID is this worker instance's identity (spec's worker_id), minted once at
// construction via google/uuid rather than the teacher's
// hostname+pid+time+rand string.
func (w *Worker) ID() string { return w.id }

func (w *Worker) getStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
	switch s {
	case StatusRunning:
		obs.WorkerStatus.WithLabelValues(w.cfg.Name).Set(1)
	case StatusWaiting:
		obs.WorkerStatus.WithLabelValues(w.cfg.Name).Set(0)
	}
}

func (w *Worker) mustStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return (w.cfg.TerminateGracefully && w.endSignalCaught) || w.numLoops >= w.cfg.MaxLoops || w.endForced
}

// Run is the main loop, spec.md §4.D: GetWaitingKeys at startup, then loop
// until must_stop(), blocking-popping the snapshot of waiting keys and
// dispatching whatever comes back. A parent-context cancellation is this
// system's cancellation-token substitute for the source's SIGTERM/SIGINT
// handlers (Design Notes §9).
func (w *Worker) Run(ctx context.Context) error {
	if w.getStatus() != StatusNone {
		w.setStatus(StatusAborted)
		return errors.New("worker: this worker run is already terminated")
	}

	keys, err := jobqueue.GetWaitingKeys(ctx, w.store, w.namespace, w.cfg.Name)
	if err != nil {
		return fmt.Errorf("worker: update_keys: %w", err)
	}
	if len(keys) == 0 {
		w.log.Error("no queues with this name")
		w.mu.Lock()
		w.endForced = true
		w.mu.Unlock()
	}
	w.keys = keys

	w.mu.Lock()
	forced := w.endForced
	w.mu.Unlock()
	if forced {
		w.setStatus(StatusAborted)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancellation(ctx)

	w.log.Info("run started")

	for !w.mustStop() {
		w.setStatus(StatusWaiting)

		if !w.cb.Allow() {
			select {
			case <-runCtx.Done():
			case <-time.After(w.cfg.CircuitBreaker.Pause):
			}
			continue
		}

		dequeueCtx, span := obs.StartDequeueSpan(runCtx, w.cfg.Name)
		key, val, ok, err := w.store.BlockingPopLeft(dequeueCtx, w.keys, w.cfg.Timeout)
		span.End()

		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			prev := w.cb.State()
			w.cb.Record(err == nil)
			cur := w.cb.State()
			obs.CircuitBreakerState.Set(float64(cur))
			if cur == breaker.Open && prev != breaker.Open {
				obs.CircuitBreakerTrips.Inc()
			}
		}
		if err != nil {
			w.log.Error("unable to get job", obs.Err(err))
			continue
		}
		if !ok {
			continue // blocking pop timed out across every tier
		}

		w.mu.Lock()
		w.numLoops++
		w.mu.Unlock()

		// A canceled runCtx must stop the blocking pop, not an in-flight
		// callback: §4.D's shutdown contract is "finish the current job,
		// then stop", so job processing gets a context derived from runCtx
		// with cancellation stripped (tracing values are still carried).
		w.processPopped(context.WithoutCancel(runCtx), key, val)
	}

	w.setStatus(StatusTerminated)
	w.log.Info("run terminated", obs.Int("loops", w.numLoops))
	return nil
}

// processPopped resolves the popped queue/job pks, dispatches to the
// callback, and recovers a panic the way the source's outer run() loop
// catches any Exception around the whole per-job block.
func (w *Worker) processPopped(ctx context.Context, key, val string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("unexpected failure in post-pop block", obs.String("recovered", fmt.Sprint(r)))
		}
	}()

	queuePK, err := kvstore.PKFromListKey(key)
	if err != nil {
		w.log.Error("unable to resolve queue from key", obs.Err(err))
		return
	}
	jobPK, err := parsePK(val)
	if err != nil {
		w.log.Error("unable to parse job pk", obs.Err(err))
		return
	}

	w.setStatus(StatusRunning)

	queue, err := jobqueue.GetQueueByPK(ctx, w.store, w.namespace, queuePK)
	if err != nil {
		w.log.Error("unable to get queue", obs.Err(err))
		return
	}
	job, err := jobqueue.GetJob(ctx, w.store, w.namespace, jobPK)
	if err != nil {
		w.log.Error("unable to get job", obs.Err(err))
		return
	}

	if job.Status != jobqueue.StatusWaiting {
		w.jobSkipped(job)
		return
	}

	obs.JobsDispatched.Inc()
	jobCtx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()

	w.jobStarted(jobCtx, job)

	start := time.Now()
	result, cbErr := w.cfg.Callback(jobCtx, job, queue)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	if cbErr != nil {
		w.jobError(jobCtx, job, queue, cbErr)
		obs.RecordError(jobCtx, cbErr)
		return
	}
	obs.SetSpanSuccess(jobCtx)
	w.jobSuccess(jobCtx, job, queue, result)
}

func parsePK(s string) (int64, error) {
	var pk int64
	_, err := fmt.Sscanf(s, "%d", &pk)
	return pk, err
}

// jobStarted mirrors Worker.job_started: mark the job RUNNING with a start
// timestamp before the callback runs.
func (w *Worker) jobStarted(ctx context.Context, job *jobqueue.Job) {
	now := time.Now().Format(time.RFC3339Nano)
	if err := job.HMSet(ctx, w.store, w.namespace, map[string]string{
		"status": string(jobqueue.StatusRunning),
		"start":  now,
	}); err != nil {
		w.log.Error("job_started: hmset failed", obs.Err(err))
		return
	}
	w.log.Info("starting", obs.String("identifier", job.Identifier))
}

// jobSuccess mirrors Worker.job_success: mark SUCCESS, push onto the tier's
// success list, and log the elapsed duration.
func (w *Worker) jobSuccess(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue, result interface{}) {
	now := time.Now().Format(time.RFC3339Nano)
	if err := job.HMSet(ctx, w.store, w.namespace, map[string]string{
		"status": string(jobqueue.StatusSuccess),
		"end":    now,
	}); err != nil {
		w.log.Error("job_success: hmset failed", obs.Err(err))
	}
	if err := w.store.ListPushRight(ctx, queue.SuccessKey(w.namespace), fmt.Sprintf("%d", job.PK)); err != nil {
		w.log.Error("job_success: push to success list failed", obs.Err(err))
	}

	obs.JobsSucceeded.Inc()
	dur, ok := job.Duration()
	if ok {
		w.log.Info("success", obs.String("identifier", job.Identifier), obs.String("duration", dur.String()))
	} else {
		w.log.Info("success", obs.String("identifier", job.Identifier))
	}
	_ = result
}

// jobError mirrors Worker.job_error: mark ERROR, push onto the tier's errors
// list, and optionally log an ErrorRecord (spec §3), using the error's
// CodedError description when available in place of the source's exception
// introspection.
func (w *Worker) jobError(ctx context.Context, job *jobqueue.Job, queue *jobqueue.Queue, cbErr error) {
	now := time.Now().Format(time.RFC3339Nano)
	if err := job.HMSet(ctx, w.store, w.namespace, map[string]string{
		"status": string(jobqueue.StatusError),
		"end":    now,
	}); err != nil {
		w.log.Error("job_error: hmset failed", obs.Err(err))
	}
	if err := w.store.ListPushRight(ctx, queue.ErrorsKey(w.namespace), fmt.Sprintf("%d", job.PK)); err != nil {
		w.log.Error("job_error: push to errors list failed", obs.Err(err))
	}

	obs.JobsErrored.Inc()

	if w.cfg.SaveErrors {
		desc := jobqueue.ErrorDescription{Type: fmt.Sprintf("%T", cbErr), Message: cbErr.Error()}
		var coded CodedError
		if errors.As(cbErr, &coded) {
			desc.Type = coded.ErrorType()
			desc.Code = coded.ErrorCode()
		}
		var additional map[string]string
		if w.cfg.AdditionalErrorFields != nil {
			additional = w.cfg.AdditionalErrorFields(job, queue, cbErr)
		}
		if _, err := jobqueue.AddError(ctx, w.store, w.namespace, queue.Name, job.Identifier, desc, time.Now(), additional); err != nil {
			w.log.Error("job_error: add_error failed", obs.Err(err))
		}
	}

	w.log.Error("error", obs.String("identifier", job.Identifier), obs.Err(cbErr))
}

// jobSkipped mirrors Worker.job_skipped: a dequeued job that is no longer
// WAITING (already canceled, re-prioritized, or run by another worker).
func (w *Worker) jobSkipped(job *jobqueue.Job) {
	obs.JobsSkipped.Inc()
	w.log.Warn("job skipped", obs.String("identifier", job.Identifier), obs.String("status", string(job.Status)))
}

// watchCancellation reproduces the source's catch_end_signal: the embedding
// application installs signal.NotifyContext and passes the resulting
// context here; when it's canceled, log the same status-dependent message
// exactly once, at Error level (zap has no level named critical), and request
// graceful termination.
func (w *Worker) watchCancellation(ctx context.Context) {
	<-ctx.Done()
	w.logOnce.Do(func() {
		if w.getStatus() == StatusRunning {
			w.log.Error("caught stop signal: stopping after current job")
		} else {
			w.log.Error("caught stop signal: stopping right now")
		}
	})
	w.mu.Lock()
	w.endSignalCaught = true
	w.endForced = true
	w.mu.Unlock()
}
