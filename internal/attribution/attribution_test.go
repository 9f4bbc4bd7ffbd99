package attribution

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/scoring/mock"
	"github.com/kestlerbio/epilens/internal/seq"
	"github.com/kestlerbio/epilens/internal/testutil"
)

type countingScorer struct {
	scoring.Scorer
	embedCalls    int32
	gradCalls     int32
	lastGradBatch int32
}

func (c *countingScorer) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	atomic.AddInt32(&c.embedCalls, 1)
	return c.Scorer.Embed(ctx, pairs)
}

func (c *countingScorer) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	atomic.AddInt32(&c.gradCalls, 1)
	atomic.StoreInt32(&c.lastGradBatch, int32(len(points)))
	return c.Scorer.Gradients(ctx, points, head)
}

func testEngine(t *testing.T, s scoring.Scorer, steps int) *Engine {
	t.Helper()
	return NewEngine(s, testutil.Logger(t), steps)
}

func TestAttribute_CompletenessTight(t *testing.T) {
	e := testEngine(t, mock.New(), 16)
	ctx := context.Background()
	pair := seq.Pair{Antibody: "EVQLVESGGGLVQPGG", Antigen: "NITNLCPFGEVFNATR"}

	vecs, err := e.Attribute(ctx, []Request{{Pair: pair}}, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	v := vecs[0]
	var sum float64
	for _, s := range v.Scores {
		sum += s
	}
	delta := v.ScoreInput - v.ScoreBaseline
	rel := math.Abs(sum-delta) / math.Max(math.Abs(delta), 1e-6)
	if rel > 1e-4 {
		t.Fatalf("completeness deviation %g (sum=%g delta=%g)", rel, sum, delta)
	}
	if v.Flagged {
		t.Fatalf("flagged despite tight completeness")
	}
	if v.CompletenessErr != rel {
		t.Fatalf("recorded deviation %g want %g", v.CompletenessErr, rel)
	}
}

func TestAttribute_EndpointScoresMatchDirectScoring(t *testing.T) {
	m := mock.New()
	e := testEngine(t, m, 8)
	ctx := context.Background()
	pair := seq.Pair{Antibody: "EVQLV", Antigen: "NITNL"}

	vecs, err := e.Attribute(ctx, []Request{{Pair: pair}}, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	want, err := m.Score(ctx, []seq.Pair{pair, MaskBaseline(pair)}, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if math.Abs(vecs[0].ScoreInput-want[0]) > 1e-9 {
		t.Fatalf("input score %g want %g", vecs[0].ScoreInput, want[0])
	}
	if math.Abs(vecs[0].ScoreBaseline-want[1]) > 1e-9 {
		t.Fatalf("baseline score %g want %g", vecs[0].ScoreBaseline, want[1])
	}
}

func TestAttribute_OneBatchForManyRequests(t *testing.T) {
	cs := &countingScorer{Scorer: mock.New()}
	e := testEngine(t, cs, 4)
	ctx := context.Background()

	reqs := []Request{
		{Pair: seq.Pair{Antibody: "EVQLV", Antigen: "NITNL"}},
		{Pair: seq.Pair{Antibody: "GVQLV", Antigen: "NITNL"}},
		{Pair: seq.Pair{Antibody: "EVQLV", Antigen: "NATNL"}},
	}
	vecs, err := e.Attribute(ctx, reqs, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len=%d", len(vecs))
	}
	if cs.embedCalls != 1 || cs.gradCalls != 1 {
		t.Fatalf("embed=%d grad=%d", cs.embedCalls, cs.gradCalls)
	}
	if cs.lastGradBatch != 3*4 {
		t.Fatalf("gradient batch=%d want %d", cs.lastGradBatch, 3*4)
	}
}

func TestAttribute_TokenCountMatchesTokenization(t *testing.T) {
	m := mock.New()
	e := testEngine(t, m, 4)
	ctx := context.Background()
	pair := seq.Pair{Antibody: "EVQLV", Antigen: "NIT"}

	vecs, err := e.Attribute(ctx, []Request{{Pair: pair}}, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	toks, _ := m.Tokenize(ctx, []seq.Pair{pair})
	if len(vecs[0].Scores) != len(toks[0].Tokens) {
		t.Fatalf("scores=%d tokens=%d", len(vecs[0].Scores), len(toks[0].Tokens))
	}
}

func TestAttribute_Deterministic(t *testing.T) {
	e := testEngine(t, mock.New(), 8)
	ctx := context.Background()
	req := []Request{{Pair: seq.Pair{Antibody: "EVQLVQS", Antigen: "NITNLCP"}}}

	a, err := e.Attribute(ctx, req, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	b, err := e.Attribute(ctx, req, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	for j := range a[0].Scores {
		if a[0].Scores[j] != b[0].Scores[j] {
			t.Fatalf("score %d diverged", j)
		}
	}
}

func TestAttribute_BaselineLengthMismatch(t *testing.T) {
	cs := &countingScorer{Scorer: mock.New()}
	e := testEngine(t, cs, 4)
	bad := seq.Pair{Antibody: "XX", Antigen: "XXX"}
	_, err := e.Attribute(context.Background(), []Request{{
		Pair:     seq.Pair{Antibody: "EVQLV", Antigen: "NIT"},
		Baseline: &bad,
	}}, "binding")
	if faults.KindOf(err) != faults.KindInput {
		t.Fatalf("err=%v", err)
	}
	if cs.embedCalls != 0 || cs.gradCalls != 0 {
		t.Fatalf("scorer touched before validation: embed=%d grad=%d", cs.embedCalls, cs.gradCalls)
	}
}

// brokenScorer returns zero gradients with mismatched endpoint scores, so
// the attribution sum cannot reproduce the score delta.
type brokenScorer struct {
	scoring.Scorer
	nan bool
}

func (b *brokenScorer) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	out := make([]scoring.PointGradients, len(points))
	for i, pt := range points {
		grads := make([][]float32, len(pt.Reps))
		for j := range grads {
			grads[j] = make([]float32, len(pt.Reps[j]))
		}
		score := float64(i)
		if b.nan && i == len(points)-1 {
			score = math.NaN()
		}
		out[i] = scoring.PointGradients{Score: score, Grads: grads}
	}
	return out, nil
}

func TestAttribute_LargeDeviationFlags(t *testing.T) {
	e := testEngine(t, &brokenScorer{Scorer: mock.New()}, 4)
	e.HardRelTol = 1e9
	vecs, err := e.Attribute(context.Background(), []Request{
		{Pair: seq.Pair{Antibody: "EVQLV", Antigen: "NIT"}},
	}, "binding")
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if !vecs[0].Flagged {
		t.Fatalf("zero-gradient vector not flagged (dev=%g)", vecs[0].CompletenessErr)
	}
}

func TestAttribute_ExtremeDeviationIsNumericalFault(t *testing.T) {
	e := testEngine(t, &brokenScorer{Scorer: mock.New()}, 4)
	_, err := e.Attribute(context.Background(), []Request{
		{Pair: seq.Pair{Antibody: "EVQLV", Antigen: "NIT"}},
	}, "binding")
	if faults.KindOf(err) != faults.KindNumerical {
		t.Fatalf("err=%v", err)
	}
}

func TestAttribute_NonFiniteScoreIsNumericalFault(t *testing.T) {
	e := testEngine(t, &brokenScorer{Scorer: mock.New(), nan: true}, 4)
	_, err := e.Attribute(context.Background(), []Request{
		{Pair: seq.Pair{Antibody: "EVQLV", Antigen: "NIT"}},
	}, "binding")
	if faults.KindOf(err) != faults.KindNumerical {
		t.Fatalf("err=%v", err)
	}
}

func TestPathWeights_Shapes(t *testing.T) {
	alphas, weights := pathWeights(2)
	if alphas[0] != 0 || alphas[1] != 1 {
		t.Fatalf("alphas=%v", alphas)
	}
	if weights[0] != 0.5 || weights[1] != 0.5 {
		t.Fatalf("weights=%v", weights)
	}

	alphas, weights = pathWeights(5)
	if len(alphas) != 5 {
		t.Fatalf("len=%d", len(alphas))
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("weights sum=%g", sum)
	}

	alphas, weights = pathWeights(1)
	if len(alphas) != 1 || alphas[0] != 0.5 || weights[0] != 1 {
		t.Fatalf("midpoint=%v %v", alphas, weights)
	}
}
