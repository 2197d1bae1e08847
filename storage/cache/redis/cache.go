package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/bootcamp/core/report"
)

const scanBatch = 100

// ReportCache stores report results as JSON.
type ReportCache struct {
	client *redis.Client
}

var _ report.Cache = (*ReportCache)(nil)

func NewReportCache(client *redis.Client) *ReportCache {
	return &ReportCache{client: client}
}

func (c *ReportCache) Get(ctx context.Context, key string, dst interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return report.ErrCacheMiss
		}
		return errors.Wrapf(err, "getting %q", key)
	}
	return errors.Wrapf(json.Unmarshal(data, dst), "decoding %q", key)
}

func (c *ReportCache) Set(ctx context.Context, key string, val interface{}, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encoding %q", key)
	}
	return errors.Wrapf(c.client.Set(ctx, key, data, ttl).Err(), "setting %q", key)
}

func (c *ReportCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	keys := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatch {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "deleting keys")
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scanning keys")
	}
	if len(keys) > 0 {
		return errors.Wrap(c.client.Del(ctx, keys...).Err(), "deleting keys")
	}
	return nil
}
