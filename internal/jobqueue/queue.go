// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
)

const (
	modelQueue = "queue"
	modelJob   = "job"
	modelError = "error"
)

// Queue is a (name, priority) tier, spec.md §3. Multiple tiers can share a
// name; GetWaitingKeys enumerates them in strict-priority order.
type Queue struct {
	PK       int64
	Name     string
	Priority int64
}

func (q *Queue) entityKey(namespace string) string {
	return kvstore.EntityKey(namespace, modelQueue, q.PK)
}

// WaitingKey is the list of job pks waiting in this tier.
func (q *Queue) WaitingKey(namespace string) string {
	return kvstore.ListFieldKey(namespace, modelQueue, q.PK, "waiting")
}

// SuccessKey is the list of job pks this tier has completed successfully.
func (q *Queue) SuccessKey(namespace string) string {
	return kvstore.ListFieldKey(namespace, modelQueue, q.PK, "success")
}

// ErrorsKey is the list of job pks this tier has failed.
func (q *Queue) ErrorsKey(namespace string) string {
	return kvstore.ListFieldKey(namespace, modelQueue, q.PK, "errors")
}

// GetQueue implements spec.md §4.B Queue.get_queue: get_or_connect on
// (name, priority), applying fieldsIfNew only when the tier didn't already
// exist. (name, priority) uniqueness (spec §3) is enforced by the
// get_or_connect critical section itself.
func GetQueue(ctx context.Context, store kvstore.Store, namespace, name string, priority int64, fieldsIfNew map[string]string) (*Queue, error) {
	unique := map[string]string{
		"name":     name,
		"priority": strconv.FormatInt(priority, 10),
	}
	onCreate := map[string]string{
		"name":     name,
		"priority": strconv.FormatInt(priority, 10),
	}
	for k, v := range fieldsIfNew {
		onCreate[k] = v
	}

	pk, _, err := store.GetOrConnect(ctx, modelQueue, unique, onCreate)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get_queue(%s, %d): %w", name, priority, err)
	}
	return &Queue{PK: pk, Name: name, Priority: priority}, nil
}

// GetQueueByPK fetches a Queue by pk directly, the Go analogue of the
// source's queue_model.get(pk) used by Worker.get_queue to resolve the tier
// a popped list key belongs to.
func GetQueueByPK(ctx context.Context, store kvstore.Store, namespace string, pk int64) (*Queue, error) {
	fields, err := store.HashMultiGet(ctx, kvstore.EntityKey(namespace, modelQueue, pk), "name", "priority")
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get queue %d: %w", pk, err)
	}
	priority, _ := strconv.ParseInt(fields["priority"], 10, 64)
	return &Queue{PK: pk, Name: fields["name"], Priority: priority}, nil
}

// queueCollection returns every Queue tier sharing name, sorted descending
// by priority, the same order spec §4.B's collection(name=X).sort(by='-priority')
// produces.
func queueCollection(ctx context.Context, store kvstore.Store, namespace, name string) ([]*Queue, error) {
	pks, err := store.Collection(ctx, modelQueue, "name", name)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: collection(name=%s): %w", name, err)
	}

	queues := make([]*Queue, 0, len(pks))
	for _, pk := range pks {
		fields, err := store.HashMultiGet(ctx, kvstore.EntityKey(namespace, modelQueue, pk), "priority")
		if err != nil {
			return nil, fmt.Errorf("jobqueue: read queue %d: %w", pk, err)
		}
		priority, _ := strconv.ParseInt(fields["priority"], 10, 64)
		queues = append(queues, &Queue{PK: pk, Name: name, Priority: priority})
	}

	sort.Slice(queues, func(i, j int) bool { return queues[i].Priority > queues[j].Priority })
	return queues, nil
}

// QueueCollection is the exported form of queueCollection, for callers that
// want to inspect every tier of a name (e.g. admin tooling embedded by the
// application, outside this core).
func QueueCollection(ctx context.Context, store kvstore.Store, namespace, name string) ([]*Queue, error) {
	return queueCollection(ctx, store, namespace, name)
}

// GetWaitingKeys implements spec.md §4.B Queue.get_waiting_keys: enumerate
// every tier under name, sorted descending by priority, and return their
// waiting list keys in that order. This is the ordered key list the worker
// passes to BlockingPopLeft, and is what makes draining strict-priority
// (spec §4.D "Priority fairness").
func GetWaitingKeys(ctx context.Context, store kvstore.Store, namespace, name string) ([]string, error) {
	queues, err := queueCollection(ctx, store, namespace, name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = q.WaitingKey(namespace)
	}
	return keys, nil
}
