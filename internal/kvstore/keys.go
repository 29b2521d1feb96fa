// Copyright 2025 James Ross
package kvstore

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultNamespace is used when the embedding application doesn't override it.
const DefaultNamespace = "jobs"

// EntityKey is the hash key holding an entity's scalar fields, per spec §6:
// <namespace>:<model>:<pk>.
func EntityKey(namespace, model string, pk int64) string {
	return fmt.Sprintf("%s:%s:%d", namespace, model, pk)
}

// ListFieldKey is a list-valued field of an entity, per spec §4.A:
// <namespace>:<model>:<pk>:<field>.
func ListFieldKey(namespace, model string, pk int64, field string) string {
	return fmt.Sprintf("%s:%s:%d:%s", namespace, model, pk, field)
}

// IndexKey is the secondary-index set for one (field, value) pair, per spec §6.
func IndexKey(namespace, model, field, value string) string {
	return fmt.Sprintf("%s:%s:idx:%s:%s", namespace, model, field, value)
}

// SeqKey is the pk counter for a model.
func SeqKey(namespace, model string) string {
	return fmt.Sprintf("%s:%s:pk:seq", namespace, model)
}

// PKFromListKey recovers an entity pk from a raw list key returned by
// BlockingPopLeft, per spec §4.A: "the worker must recover a Queue pk from a
// raw list key by parsing the second-to-last colon-separated segment as an
// integer".
func PKFromListKey(key string) (int64, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("kvstore: malformed list key %q", key)
	}
	pk, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore: malformed list key %q: %w", key, err)
	}
	return pk, nil
}
