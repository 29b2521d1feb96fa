// Copyright 2025 James Ross
package obs

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/twidi/redis-limpyd-jobs/internal/config"
	"github.com/twidi/redis-limpyd-jobs/internal/jobqueue"
	"github.com/twidi/redis-limpyd-jobs/internal/kvstore"
)

// StartQueueLengthUpdater periodically samples every tier of name's
// waiting list and publishes it as queue_waiting_length{name,priority}.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, store kvstore.Store, name string, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tiers, err := jobqueue.QueueCollection(ctx, store, cfg.Namespace, name)
				if err != nil {
					log.Debug("queue tier lookup error", String("name", name), Err(err))
					continue
				}
				for _, tier := range tiers {
					n, err := rdb.LLen(ctx, tier.WaitingKey(cfg.Namespace)).Result()
					if err != nil {
						log.Debug("queue length poll error", String("name", name), Err(err))
						continue
					}
					QueueWaitingLength.WithLabelValues(name, strconv.FormatInt(tier.Priority, 10)).Set(float64(n))
				}
			}
		}
	}()
}
