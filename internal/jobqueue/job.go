// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
)

// Job is an intent to perform work, keyed by an application-chosen
// identifier (spec.md §3). At most one WAITING Job exists per identifier at
// any committed moment (invariant 1).
type Job struct {
	PK         int64
	Identifier string
	Status     Status
	Priority   int64
	Start      string
	End        string
}

func entityKeyFor(namespace, model string, pk int64) string {
	return kvstore.EntityKey(namespace, model, pk)
}

// GetJob fetches a Job by pk, the Go analogue of the source's job_model.get(pk).
func GetJob(ctx context.Context, store kvstore.Store, namespace string, pk int64) (*Job, error) {
	fields, err := store.HashMultiGet(ctx, entityKeyFor(namespace, modelJob, pk), "identifier", "status", "priority", "start", "end")
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get job %d: %w", pk, err)
	}
	priority, _ := strconv.ParseInt(fields["priority"], 10, 64)
	return &Job{
		PK:         pk,
		Identifier: fields["identifier"],
		Status:     StatusByValue(fields["status"], StatusWaiting),
		Priority:   priority,
		Start:      fields["start"],
		End:        fields["end"],
	}, nil
}

// HMSet writes fields on this job's hash and refreshes the in-memory mirror
// for the fields this package knows about. A "status" field is routed
// through Store.UpdateIndexedField so the status secondary index stays
// consistent with the hash (status is indexed for GetOrConnect's WAITING
// lookup in AddJob), and the other fields of that write go along in the same
// call; a write without "status" is a plain HashSet.
func (j *Job) HMSet(ctx context.Context, store kvstore.Store, namespace string, fields map[string]string) error {
	if newStatus, ok := fields["status"]; ok {
		extra := make(map[string]string, len(fields)-1)
		for k, v := range fields {
			if k != "status" {
				extra[k] = v
			}
		}
		if err := store.UpdateIndexedField(ctx, modelJob, j.PK, "status", newStatus, extra); err != nil {
			return fmt.Errorf("jobqueue: update status job %d: %w", j.PK, err)
		}
	} else if err := store.HashSet(ctx, entityKeyFor(namespace, modelJob, j.PK), fields); err != nil {
		return fmt.Errorf("jobqueue: hmset job %d: %w", j.PK, err)
	}
	if v, ok := fields["status"]; ok {
		j.Status = StatusByValue(v, j.Status)
	}
	if v, ok := fields["start"]; ok {
		j.Start = v
	}
	if v, ok := fields["end"]; ok {
		j.End = v
	}
	return nil
}

// Duration mirrors the source's Job.duration property: if both Start and End
// are set and parseable, return the elapsed time; otherwise ok is false.
// Supplemented from original_source/limpyd_jobs/models.py per SPEC_FULL.md §5.
func (j *Job) Duration() (d time.Duration, ok bool) {
	if j.Start == "" || j.End == "" {
		return 0, false
	}
	start, err := time.Parse(time.RFC3339Nano, j.Start)
	if err != nil {
		return 0, false
	}
	end, err := time.Parse(time.RFC3339Nano, j.End)
	if err != nil {
		return 0, false
	}
	return end.Sub(start), true
}

// AddJob implements spec.md §4.C Job.add_job exactly, including the
// non-demotion rule (invariant 3) and the prepend override (invariant 4).
// The four re-prioritization writes are issued as a single atomic script via
// Store.Reprioritize, per the Design Notes' "Recommendation: script it".
func AddJob(ctx context.Context, store kvstore.Store, namespace, identifier, queueName string, priority int64, prepend bool, fieldsIfNew map[string]string) (*Job, error) {
	target, err := GetQueue(ctx, store, namespace, queueName, priority, nil)
	if err != nil {
		return nil, err
	}

	onCreate := map[string]string{
		"identifier": identifier,
		"status":     string(StatusWaiting),
	}
	pk, created, err := store.GetOrConnect(ctx, modelJob, map[string]string{
		"identifier": identifier,
		"status":     string(StatusWaiting),
	}, onCreate)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: add_job(%s): %w", identifier, err)
	}

	if !created {
		fields, err := store.HashMultiGet(ctx, entityKeyFor(namespace, modelJob, pk), "priority")
		if err != nil {
			return nil, fmt.Errorf("jobqueue: read current priority for job %d: %w", pk, err)
		}
		currentPriority, _ := strconv.ParseInt(fields["priority"], 10, 64)

		// Never demote; never jump an already-higher-priority job (invariant 3).
		if !prepend && currentPriority >= priority {
			return GetJob(ctx, store, namespace, pk)
		}

		source, err := GetQueue(ctx, store, namespace, queueName, currentPriority, nil)
		if err != nil {
			return nil, err
		}

		if err := store.Reprioritize(ctx, kvstore.ReprioritizeParams{
			Namespace:        namespace,
			JobModel:         modelJob,
			JobPK:            pk,
			NewPriority:      priority,
			Prepend:          prepend,
			SourceWaitingKey: source.WaitingKey(namespace),
			TargetWaitingKey: target.WaitingKey(namespace),
		}); err != nil {
			return nil, fmt.Errorf("jobqueue: reprioritize job %d: %w", pk, err)
		}
		return GetJob(ctx, store, namespace, pk)
	}

	if len(fieldsIfNew) > 0 {
		if err := store.HashSet(ctx, entityKeyFor(namespace, modelJob, pk), fieldsIfNew); err != nil {
			return nil, fmt.Errorf("jobqueue: apply fields_if_new to job %d: %w", pk, err)
		}
	}
	if err := store.HashSet(ctx, entityKeyFor(namespace, modelJob, pk), map[string]string{
		"status":   string(StatusWaiting),
		"priority": strconv.FormatInt(priority, 10),
	}); err != nil {
		return nil, fmt.Errorf("jobqueue: finalize new job %d: %w", pk, err)
	}
	if prepend {
		if err := store.ListPushLeft(ctx, target.WaitingKey(namespace), strconv.FormatInt(pk, 10)); err != nil {
			return nil, err
		}
	} else {
		if err := store.ListPushRight(ctx, target.WaitingKey(namespace), strconv.FormatInt(pk, 10)); err != nil {
			return nil, err
		}
	}

	return GetJob(ctx, store, namespace, pk)
}
