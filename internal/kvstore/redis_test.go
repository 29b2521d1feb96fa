// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "jobs"), func() { rdb.Close(); mr.Close() }
}

func TestGetOrConnectCreatesOnce(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	pk1, created1, err := s.GetOrConnect(ctx, "job",
		map[string]string{"identifier": "email:7", "status": "WAITING"},
		map[string]string{"identifier": "email:7", "status": "WAITING", "priority": "0"},
	)
	require.NoError(t, err)
	require.True(t, created1)

	pk2, created2, err := s.GetOrConnect(ctx, "job",
		map[string]string{"identifier": "email:7", "status": "WAITING"},
		map[string]string{"identifier": "email:7", "status": "WAITING", "priority": "5"},
	)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, pk1, pk2)

	fields, err := s.HashMultiGet(ctx, EntityKey("jobs", "job", pk1), "priority")
	require.NoError(t, err)
	require.Equal(t, "0", fields["priority"], "second call must not re-apply onCreate fields")
}

func TestBlockingPopLeftStrictPriority(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	lowKey := "jobs:queue:1:waiting"
	highKey := "jobs:queue:2:waiting"
	require.NoError(t, s.ListPushRight(ctx, lowKey, "100"))
	require.NoError(t, s.ListPushRight(ctx, highKey, "200"))

	key, val, ok, err := s.BlockingPopLeft(ctx, []string{highKey, lowKey}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, highKey, key)
	require.Equal(t, "200", val)
}

func TestBlockingPopLeftTimeout(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, ok, err := s.BlockingPopLeft(ctx, []string{"jobs:queue:9:waiting"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReprioritizeMovesJobAtomically(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	jobKey := EntityKey("jobs", "job", 1)
	require.NoError(t, s.HashSet(ctx, jobKey, map[string]string{"status": "WAITING", "priority": "0"}))
	require.NoError(t, s.ListPushRight(ctx, "jobs:queue:1:waiting", "1"))

	err := s.Reprioritize(ctx, ReprioritizeParams{
		Namespace:        "jobs",
		JobModel:         "job",
		JobPK:            1,
		NewPriority:      5,
		Prepend:          false,
		SourceWaitingKey: "jobs:queue:1:waiting",
		TargetWaitingKey: "jobs:queue:2:waiting",
	})
	require.NoError(t, err)

	fields, err := s.HashMultiGet(ctx, jobKey, "status", "priority")
	require.NoError(t, err)
	require.Equal(t, "WAITING", fields["status"])
	require.Equal(t, "5", fields["priority"])

	n, err := s.rdb.LLen(ctx, "jobs:queue:1:waiting").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	members, err := s.rdb.LRange(ctx, "jobs:queue:2:waiting", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, members)
}
