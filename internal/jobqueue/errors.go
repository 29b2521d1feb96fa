// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
)

// ErrorDescription is what a worker callback hands back when a job fails.
// The source's Error.add_error introspects the caught Python exception's
// class name, .code and .message directly; Go has no equivalent runtime
// exception object, so the caller must describe the failure explicitly
// (Design Notes §9: "should be replaced with an error description record
// passed by the caller").
type ErrorDescription struct {
	Type    string
	Code    string
	Message string
}

// ErrorRecord is a logged job failure, spec.md §3. Unlike Queue and Job it
// has no uniqueness invariant: every failure gets its own record, append-only.
type ErrorRecord struct {
	PK         int64
	Identifier string
	QueueName  string
	Date       string
	Time       string
	Type       string
	Code       string
	Message    string
}

// Occurred parses Date+Time back into a time.Time, the Go analogue of the
// source's Error.datetime property. Supplemented from
// original_source/limpyd_jobs/models.py per SPEC_FULL.md §5.
func (e *ErrorRecord) Occurred() (time.Time, bool) {
	if e.Date == "" || e.Time == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05.000000000", e.Date+"T"+e.Time)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AddError implements the source's Error.add_error: create one ErrorRecord
// per failure and index it by queue_name, date, type and code so the
// application can later enumerate failures along any of those axes (spec.md
// §3 "indexed: queue_name, date, type, code"). Unlike Job and Queue this
// entity is always created fresh — GetOrConnect is called with an empty
// unique set, which mints a new pk unconditionally — and the four indexed
// fields are attached afterward via IndexAdd rather than folded into the
// get-or-connect critical section, since there is nothing to deduplicate
// against.
func AddError(ctx context.Context, store kvstore.Store, namespace, queueName, identifier string, desc ErrorDescription, when time.Time, additional map[string]string) (*ErrorRecord, error) {
	date := when.Format("2006-01-02")
	clock := when.Format("15:04:05.000000000")

	fields := map[string]string{
		"identifier": identifier,
		"queue_name": queueName,
		"date":       date,
		"time":       clock,
		"type":       desc.Type,
		"code":       desc.Code,
		"message":    desc.Message,
	}
	for k, v := range additional {
		fields[k] = v
	}

	pk, _, err := store.GetOrConnect(ctx, modelError, nil, fields)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: add_error(%s): %w", identifier, err)
	}

	for _, idx := range [...][2]string{
		{"queue_name", queueName},
		{"date", date},
		{"type", desc.Type},
		{"code", desc.Code},
	} {
		if idx[1] == "" {
			continue
		}
		if err := store.IndexAdd(ctx, modelError, idx[0], idx[1], pk); err != nil {
			return nil, fmt.Errorf("jobqueue: index error %d on %s: %w", pk, idx[0], err)
		}
	}

	return &ErrorRecord{
		PK:         pk,
		Identifier: identifier,
		QueueName:  queueName,
		Date:       date,
		Time:       clock,
		Type:       desc.Type,
		Code:       desc.Code,
		Message:    desc.Message,
	}, nil
}

// GetError fetches an ErrorRecord by pk.
func GetError(ctx context.Context, store kvstore.Store, namespace string, pk int64) (*ErrorRecord, error) {
	fields, err := store.HashMultiGet(ctx, entityKeyFor(namespace, modelError, pk),
		"identifier", "queue_name", "date", "time", "type", "code", "message")
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get error %d: %w", pk, err)
	}
	return &ErrorRecord{
		PK:         pk,
		Identifier: fields["identifier"],
		QueueName:  fields["queue_name"],
		Date:       fields["date"],
		Time:       fields["time"],
		Type:       fields["type"],
		Code:       fields["code"],
		Message:    fields["message"],
	}, nil
}
