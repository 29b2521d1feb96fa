// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed Store used by every production caller. It
// mirrors the teacher's direct use of *redis.Client (internal/worker's
// BRPopLPush/LPush/LRem calls), adapted to the plain BLPOP + Lua-script
// model this system's KV adapter contract requires.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// New wraps rdb as a Store. namespace defaults to DefaultNamespace.
func New(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.rdb.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) HashMultiGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	vals, err := s.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, f := range fields {
		if vals[i] == nil {
			continue
		}
		if sv, ok := vals[i].(string); ok {
			out[f] = sv
		}
	}
	return out, nil
}

func (s *RedisStore) ListPushLeft(ctx context.Context, key, value string) error {
	return s.rdb.LPush(ctx, key, value).Err()
}

func (s *RedisStore) ListPushRight(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

func (s *RedisStore) ListRemove(ctx context.Context, key string, value string) error {
	return s.rdb.LRem(ctx, key, 0, value).Err()
}

// BlockingPopLeft scans keys in priority order (the caller, internal/jobqueue,
// already sorted them descending by priority per spec §4.B) using BLPOP,
// which itself returns the first key with an available element.
func (s *RedisStore) BlockingPopLeft(ctx context.Context, keys []string, timeout time.Duration) (string, string, bool, error) {
	if len(keys) == 0 {
		return "", "", false, errors.New("kvstore: no keys to pop from")
	}
	res, err := s.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	// BLPOP returns [key, value].
	return res[0], res[1], true, nil
}

func (s *RedisStore) GetOrConnect(ctx context.Context, model string, unique map[string]string, onCreate map[string]string) (int64, bool, error) {
	idxKeys := make([]string, 0, len(unique))
	for field, value := range unique {
		idxKeys = append(idxKeys, IndexKey(s.namespace, model, field, value))
	}

	hashArgs := make([]interface{}, 0, len(onCreate)*2+2)
	hashArgs = append(hashArgs, s.namespace, model)
	for field, value := range onCreate {
		hashArgs = append(hashArgs, field, value)
	}

	res, err := getOrConnectScript.Run(ctx, s.rdb, idxKeys, hashArgs...).Result()
	if err != nil {
		return 0, false, err
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, false, errors.New("kvstore: unexpected get_or_connect reply")
	}
	pk, err := toInt64(pair[0])
	if err != nil {
		return 0, false, err
	}
	created, err := toInt64(pair[1])
	if err != nil {
		return 0, false, err
	}
	return pk, created == 1, nil
}

func (s *RedisStore) Collection(ctx context.Context, model, field, value string) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, IndexKey(s.namespace, model, field, value)).Result()
	if err != nil {
		return nil, err
	}
	pks := make([]int64, 0, len(members))
	for _, m := range members {
		pk, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		pks = append(pks, pk)
	}
	return pks, nil
}

func (s *RedisStore) IndexAdd(ctx context.Context, model, field, value string, pk int64) error {
	return s.rdb.SAdd(ctx, IndexKey(s.namespace, model, field, value), pk).Err()
}

func (s *RedisStore) UpdateIndexedField(ctx context.Context, model string, pk int64, field, newValue string, extraFields map[string]string) error {
	jobKey := EntityKey(s.namespace, model, pk)
	args := make([]interface{}, 0, len(extraFields)*2+5)
	args = append(args, s.namespace, model, strconv.FormatInt(pk, 10), field, newValue)
	for k, v := range extraFields {
		args = append(args, k, v)
	}
	return updateIndexedFieldScript.Run(ctx, s.rdb, []string{jobKey}, args...).Err()
}

func (s *RedisStore) Reprioritize(ctx context.Context, p ReprioritizeParams) error {
	jobKey := EntityKey(p.Namespace, p.JobModel, p.JobPK)
	prepend := "0"
	if p.Prepend {
		prepend = "1"
	}
	return reprioritizeScript.Run(ctx, s.rdb,
		[]string{jobKey, p.SourceWaitingKey, p.TargetWaitingKey},
		strconv.FormatInt(p.JobPK, 10), strconv.FormatInt(p.NewPriority, 10), prepend,
	).Err()
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, errors.New("kvstore: cannot convert reply to int64")
	}
}
