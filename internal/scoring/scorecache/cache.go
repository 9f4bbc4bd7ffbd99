// Package scorecache wraps a scoring backend with a score cache. Only Score
// results are cached; tokenizations and gradients are cheap to recompute
// relative to their size and are passed through.
package scorecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

type Cache struct {
	inner     scoring.Scorer
	log       *logger.Logger
	backendID string

	memory *memoryStore
	redis  *redisStore
}

// New builds the decorator. backendID goes into every key so backends with
// different weights never share entries. The redis tier is optional; when
// the address is unset only the in-process LRU is used.
func New(inner scoring.Scorer, log *logger.Logger, cfg config.CacheConfig, backendID string) (*Cache, error) {
	c := &Cache{
		inner:     inner,
		log:       log.With("service", "ScoreCache"),
		backendID: backendID,
		memory:    newMemoryStore(cfg.MaxEntries),
	}
	if cfg.RedisAddr != "" {
		r, err := newRedisStore(log, cfg.RedisAddr, cfg.TTL.Duration)
		if err != nil {
			return nil, err
		}
		c.redis = r
	}
	return c, nil
}

func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Cache) key(head scoring.Head, p seq.Pair) string {
	h := sha256.New()
	h.Write([]byte(c.backendID))
	h.Write([]byte{'\n'})
	h.Write([]byte(head))
	h.Write([]byte{'\n'})
	h.Write([]byte(p.Antibody))
	h.Write([]byte{'\n'})
	h.Write([]byte(p.Antigen))
	return "epilens:score:" + hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Heads(ctx context.Context) ([]scoring.Head, error) {
	return c.inner.Heads(ctx)
}

func (c *Cache) Tokenize(ctx context.Context, pairs []seq.Pair) ([]scoring.Tokenization, error) {
	return c.inner.Tokenize(ctx, pairs)
}

func (c *Cache) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	return c.inner.Embed(ctx, pairs)
}

func (c *Cache) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	return c.inner.Gradients(ctx, points, head)
}

// Score satisfies hits from the tiers and forwards the remaining pairs to
// the backend as one batch, preserving request order in the response.
func (c *Cache) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	if len(pairs) == 0 {
		return []float64{}, nil
	}

	keys := make([]string, len(pairs))
	out := make([]float64, len(pairs))
	have := make([]bool, len(pairs))
	hits := 0
	for i, p := range pairs {
		keys[i] = c.key(head, p)
		if v, ok := c.memory.Get(keys[i]); ok {
			out[i], have[i] = v, true
			hits++
		}
	}

	if c.redis != nil && hits < len(pairs) {
		missKeys := make([]string, 0, len(pairs)-hits)
		for i := range pairs {
			if !have[i] {
				missKeys = append(missKeys, keys[i])
			}
		}
		found := c.redis.GetMany(ctx, missKeys)
		for i := range pairs {
			if have[i] {
				continue
			}
			if v, ok := found[keys[i]]; ok {
				out[i], have[i] = v, true
				c.memory.Set(keys[i], v)
				hits++
			}
		}
	}

	if hits == len(pairs) {
		c.log.Debug("score cache full hit", "pairs", len(pairs))
		return out, nil
	}

	// One backend batch for all misses, dedup by key.
	missIdx := make([]int, 0, len(pairs)-hits)
	firstAt := make(map[string]int)
	var missPairs []seq.Pair
	for i, p := range pairs {
		if have[i] {
			continue
		}
		missIdx = append(missIdx, i)
		if _, seen := firstAt[keys[i]]; !seen {
			firstAt[keys[i]] = len(missPairs)
			missPairs = append(missPairs, p)
		}
	}

	scores, err := c.inner.Score(ctx, missPairs, head)
	if err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("scorecache.fill", len(scores), len(missPairs)); err != nil {
		return nil, err
	}

	fresh := make(map[string]float64, len(missPairs))
	for _, i := range missIdx {
		v := scores[firstAt[keys[i]]]
		out[i] = v
		c.memory.Set(keys[i], v)
		fresh[keys[i]] = v
	}
	if c.redis != nil {
		c.redis.SetMany(ctx, fresh)
	}
	c.log.Debug("score cache partial hit", "pairs", len(pairs), "hits", hits, "scored", len(missPairs))
	return out, nil
}
