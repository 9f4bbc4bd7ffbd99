package scorecache

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kestlerbio/epilens/internal/platform/logger"
)

// redisStore shares scores across processes. Mutant scans for related
// antibodies hit the same wild types and single mutants constantly, which
// is the reuse this tier exists for.
type redisStore struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func newRedisStore(log *logger.Logger, addr string, ttl time.Duration) (*redisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &redisStore{
		log: log.With("service", "ScoreCacheRedis"),
		rdb: rdb,
		ttl: ttl,
	}, nil
}

func (r *redisStore) Close() error {
	return r.rdb.Close()
}

// GetMany resolves keys in one round trip. Misses and malformed values come
// back as absent; a transport error degrades to all-miss so scoring still
// proceeds.
func (r *redisStore) GetMany(ctx context.Context, keys []string) map[string]float64 {
	out := make(map[string]float64, len(keys))
	if len(keys) == 0 {
		return out
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Warn("score cache read failed", "error", err, "keys", len(keys))
		return out
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[keys[i]] = f
	}
	return out
}

func (r *redisStore) SetMany(ctx context.Context, entries map[string]float64) {
	if len(entries) == 0 {
		return
	}
	pipe := r.rdb.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, strconv.FormatFloat(v, 'g', -1, 64), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("score cache write failed", "error", err, "keys", len(entries))
	}
}
