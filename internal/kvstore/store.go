// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"time"
)

// Store is the KV adapter of spec.md §4.A: uniform access to hash, list, and
// blocking-pop primitives, plus the three operations the entity layer needs to
// be atomic (get-or-connect, indexed-field update, re-prioritization). A concrete implementation
// wraps the KV store; the rest of the system only depends on this interface.
type Store interface {
	// HashSet writes fields on an entity hash (component A "hash_multi_set").
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGet reads a single field, reporting whether it was present.
	HashGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HashMultiGet reads several fields at once.
	HashMultiGet(ctx context.Context, key string, fields ...string) (map[string]string, error)

	// ListPushLeft / ListPushRight implement the FIFO/LIFO insertion rules of
	// spec §4.C and §5.
	ListPushLeft(ctx context.Context, key, value string) error
	ListPushRight(ctx context.Context, key, value string) error
	// ListRemove removes every occurrence of value from the list at key.
	ListRemove(ctx context.Context, key string, value string) error

	// BlockingPopLeft scans keys in order and pops the first available
	// element, blocking up to timeout if all are empty. ok is false on
	// timeout.
	BlockingPopLeft(ctx context.Context, keys []string, timeout time.Duration) (key, value string, ok bool, err error)

	// GetOrConnect performs an atomic lookup-by-indexed-fields-or-create:
	// the intersection of the (field, value) index sets in unique is
	// resolved to a single pk, or a new pk is minted and onCreate is
	// written as the new entity's hash fields. No two concurrent callers
	// ever both observe created=true for the same unique tuple.
	GetOrConnect(ctx context.Context, model string, unique map[string]string, onCreate map[string]string) (pk int64, created bool, err error)

	// Collection returns every pk indexed under (model, field, value).
	Collection(ctx context.Context, model, field, value string) ([]int64, error)

	// IndexAdd records pk under the (model, field, value) secondary index
	// without the get-or-connect uniqueness semantics — used for append-only
	// entities (e.g. Error records) whose indexed fields never need a
	// create-or-fetch lookup, only later enumeration.
	IndexAdd(ctx context.Context, model, field, value string, pk int64) error

	// UpdateIndexedField atomically rewrites an indexed hash field (plus any
	// accompanying non-indexed fields) and re-indexes it: the pk moves from
	// the old value's secondary index set to the new value's. Required
	// whenever an indexed field changes after creation (e.g. a Job's status
	// leaving WAITING) — a plain HashSet would leave the old index entry
	// stale, and a later GetOrConnect on that field could resolve to a
	// terminal record instead of minting a fresh one.
	UpdateIndexedField(ctx context.Context, model string, pk int64, field, newValue string, extraFields map[string]string) error

	// Reprioritize performs the four writes of spec §4.C step 4 as a single
	// atomic server-side operation: mark the job CANCELED, remove it from
	// its source queue's waiting list, set it WAITING at the new priority,
	// and push it onto the target queue's waiting list.
	Reprioritize(ctx context.Context, p ReprioritizeParams) error
}

// ReprioritizeParams describes one re-prioritization of an already-waiting
// job (spec §4.C step 4).
type ReprioritizeParams struct {
	Namespace        string
	JobModel         string
	JobPK            int64
	NewPriority      int64
	Prepend          bool
	SourceWaitingKey string
	TargetWaitingKey string
}
