package scorecache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
	"github.com/kestlerbio/epilens/internal/testutil"
)

type fakeScorer struct {
	calls   int32
	batches [][]seq.Pair
}

func (f *fakeScorer) Heads(ctx context.Context) ([]scoring.Head, error) {
	return []scoring.Head{"binding"}, nil
}

func (f *fakeScorer) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	atomic.AddInt32(&f.calls, 1)
	cp := make([]seq.Pair, len(pairs))
	copy(cp, pairs)
	f.batches = append(f.batches, cp)
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		var s float64
		for j := 0; j < len(p.Antibody); j++ {
			s += float64(p.Antibody[j])
		}
		for j := 0; j < len(p.Antigen); j++ {
			s -= float64(p.Antigen[j]) / 2
		}
		out[i] = s
	}
	return out, nil
}

func (f *fakeScorer) Tokenize(ctx context.Context, pairs []seq.Pair) ([]scoring.Tokenization, error) {
	return make([]scoring.Tokenization, len(pairs)), nil
}

func (f *fakeScorer) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	return make([]scoring.Embedded, len(pairs)), nil
}

func (f *fakeScorer) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	return make([]scoring.PointGradients, len(points)), nil
}

func newTestCache(t *testing.T, inner scoring.Scorer) *Cache {
	t.Helper()
	c, err := New(inner, testutil.Logger(t), config.CacheConfig{Enabled: true, MaxEntries: 64}, "fake-v1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestScore_SecondCallHitsMemory(t *testing.T) {
	inner := &fakeScorer{}
	c := newTestCache(t, inner)
	ctx := context.Background()
	pairs := []seq.Pair{{Antibody: "EVQ", Antigen: "NIT"}, {Antibody: "EVA", Antigen: "NIT"}}

	first, err := c.Score(ctx, pairs, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	second, err := c.Score(ctx, pairs, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("calls=%d", inner.calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("scores diverged at %d", i)
		}
	}
}

func TestScore_OnlyMissesReachBackend(t *testing.T) {
	inner := &fakeScorer{}
	c := newTestCache(t, inner)
	ctx := context.Background()
	a := seq.Pair{Antibody: "EVQ", Antigen: "NIT"}
	b := seq.Pair{Antibody: "EVQ", Antigen: "NIA"}

	if _, err := c.Score(ctx, []seq.Pair{a}, "binding"); err != nil {
		t.Fatalf("score: %v", err)
	}
	out, err := c.Score(ctx, []seq.Pair{a, b}, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}
	if len(inner.batches) != 2 {
		t.Fatalf("batches=%d", len(inner.batches))
	}
	if len(inner.batches[1]) != 1 || inner.batches[1][0] != b {
		t.Fatalf("second batch=%v", inner.batches[1])
	}
}

func TestScore_DifferentHeadsDoNotCollide(t *testing.T) {
	inner := &fakeScorer{}
	c := newTestCache(t, inner)
	ctx := context.Background()
	pairs := []seq.Pair{{Antibody: "EVQ", Antigen: "NIT"}}

	if _, err := c.Score(ctx, pairs, "binding"); err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, err := c.Score(ctx, pairs, "escape"); err != nil {
		t.Fatalf("score: %v", err)
	}
	if atomic.LoadInt32(&inner.calls) != 2 {
		t.Fatalf("calls=%d", inner.calls)
	}
}

func TestScore_DuplicatePairsDeduped(t *testing.T) {
	inner := &fakeScorer{}
	c := newTestCache(t, inner)
	ctx := context.Background()
	a := seq.Pair{Antibody: "EVQ", Antigen: "NIT"}
	b := seq.Pair{Antibody: "GVQ", Antigen: "NIT"}

	out, err := c.Score(ctx, []seq.Pair{a, a, b}, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(inner.batches[0]) != 2 {
		t.Fatalf("backend batch=%d", len(inner.batches[0]))
	}
	if out[0] != out[1] {
		t.Fatalf("duplicate scores differ: %v vs %v", out[0], out[1])
	}
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	m := newMemoryStore(2)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	if m.Len() != 2 {
		t.Fatalf("len=%d", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("oldest not evicted")
	}
	if v, ok := m.Get("c"); !ok || v != 3 {
		t.Fatalf("newest missing")
	}
	// Touch b, add d: c should now be the eviction victim.
	if _, ok := m.Get("b"); !ok {
		t.Fatalf("b missing")
	}
	m.Set("d", 4)
	if _, ok := m.Get("c"); ok {
		t.Fatalf("recently used order ignored")
	}
}
