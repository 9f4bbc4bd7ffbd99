package synergy

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

const (
	antibody = "EVQLVESGGGLVQPGGSLRLSCAASGFT"
	antigen  = "NITNLCPFGEVFNATRFASVYAWNRKRI"
)

type countingScorer struct {
	scoring.Scorer
	calls     int32
	lastBatch int32
}

func (c *countingScorer) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	atomic.AddInt32(&c.calls, 1)
	atomic.StoreInt32(&c.lastBatch, int32(len(pairs)))
	return c.Scorer.Score(ctx, pairs, head)
}

func newEngine(t *testing.T, s scoring.Scorer) *Engine {
	t.Helper()
	return NewEngine(s, testutil.Logger(t), 'A')
}

func positions(n, stride int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i * stride
	}
	return out
}

func TestBuild_BatchSizeAndShape(t *testing.T) {
	cs := &countingScorer{Scorer: mock.New()}
	e := newEngine(t, cs)
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}

	m, err := e.Build(context.Background(), pair, positions(15, 1), positions(10, 2), "binding")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cs.calls != 1 {
		t.Fatalf("score calls=%d", cs.calls)
	}
	if cs.lastBatch != 176 {
		t.Fatalf("batch=%d want 176", cs.lastBatch)
	}
	if len(m.Values) != 15 {
		t.Fatalf("rows=%d", len(m.Values))
	}
	for i, row := range m.Values {
		if len(row) != 10 {
			t.Fatalf("row %d length %d", i, len(row))
		}
	}
	if err := m.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestBuild_EntryMatchesIndependentQueries(t *testing.T) {
	s := mock.New()
	e := newEngine(t, s)
	ctx := context.Background()
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}
	paratope := []int{2, 7, 11}
	epitope := []int{0, 5}

	m, err := e.Build(ctx, pair, paratope, epitope, "binding")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	i, j := 1, 0 // paratope 7 x epitope 0
	abMut, err := seq.Substitute(pair.Antibody, paratope[i], 'A')
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	agMut, err := seq.Substitute(pair.Antigen, epitope[j], 'A')
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	got, err := s.Score(ctx, []seq.Pair{
		pair,
		{Antibody: abMut, Antigen: pair.Antigen},
		{Antibody: pair.Antibody, Antigen: agMut},
		{Antibody: abMut, Antigen: agMut},
	}, "binding")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	s0, si, sj, sij := got[0], got[1], got[2], got[3]
	want := (s0 - sij) - ((s0 - si) + (s0 - sj))
	if math.Abs(m.Values[i][j]-want) > 1e-9 {
		t.Fatalf("entry=%g recomputed=%g", m.Values[i][j], want)
	}
	if math.Abs(m.WildTypeScore-s0) > 1e-9 {
		t.Fatalf("wild type %g want %g", m.WildTypeScore, s0)
	}
}

func TestBuild_EmptyAxes(t *testing.T) {
	cs := &countingScorer{Scorer: mock.New()}
	e := newEngine(t, cs)
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}

	m, err := e.Build(context.Background(), pair, nil, positions(4, 1), "binding")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(m.Values) != 0 || len(m.EpitopeDeltas) != 4 {
		t.Fatalf("values=%d epitope deltas=%d", len(m.Values), len(m.EpitopeDeltas))
	}
	if cs.lastBatch != 5 {
		t.Fatalf("batch=%d want 5", cs.lastBatch)
	}
	if got := m.TopPairs(3); len(got) != 0 {
		t.Fatalf("top pairs=%d", len(got))
	}
}

func TestBuild_OutOfBoundsBeforeBatch(t *testing.T) {
	cs := &countingScorer{Scorer: mock.New()}
	e := newEngine(t, cs)
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}

	_, err := e.Build(context.Background(), pair, []int{0, len(antibody)}, []int{1}, "binding")
	if faults.KindOf(err) != faults.KindInput {
		t.Fatalf("err=%v", err)
	}
	if cs.calls != 0 {
		t.Fatalf("batch dispatched despite bad position")
	}

	_, err = e.Build(context.Background(), pair, []int{0}, []int{-1}, "binding")
	if faults.KindOf(err) != faults.KindInput {
		t.Fatalf("err=%v", err)
	}
	if cs.calls != 0 {
		t.Fatalf("batch dispatched despite bad position")
	}
}

type fixedScorer struct {
	scoring.Scorer
	scores []float64
}

func (f *fixedScorer) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	out := make([]float64, len(pairs))
	copy(out, f.scores)
	return out, nil
}

func TestBuild_NonFiniteScore(t *testing.T) {
	bad := &fixedScorer{scores: []float64{1, 2, math.Inf(1), 4, 5, 6}}
	e := newEngine(t, bad)
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}
	_, err := e.Build(context.Background(), pair, []int{0}, []int{0}, "binding")
	if faults.KindOf(err) != faults.KindNumerical {
		t.Fatalf("err=%v", err)
	}
}

func TestTopPairs_OrderAndClamp(t *testing.T) {
	m := &Matrix{
		ParatopePositions: []int{3, 8},
		EpitopePositions:  []int{1, 4},
		ParatopeDeltas:    []float64{0, 0},
		EpitopeDeltas:     []float64{0, 0},
		Values: [][]float64{
			{-0.5, 0.2},
			{-1.5, -0.5},
		},
	}
	top := m.TopPairs(3)
	if len(top) != 3 {
		t.Fatalf("len=%d", len(top))
	}
	if top[0].Paratope != 8 || top[0].Epitope != 1 || top[0].Value != -1.5 {
		t.Fatalf("top[0]=%+v", top[0])
	}
	// Tie at -0.5 resolves by paratope position.
	if top[1].Paratope != 3 || top[1].Epitope != 1 {
		t.Fatalf("top[1]=%+v", top[1])
	}
	if top[2].Paratope != 8 || top[2].Epitope != 4 {
		t.Fatalf("top[2]=%+v", top[2])
	}
	if got := m.TopPairs(99); len(got) != 4 {
		t.Fatalf("clamp=%d", len(got))
	}
}

func TestMatrix_CheckRejectsRaggedRows(t *testing.T) {
	m := &Matrix{
		ParatopePositions: []int{1, 2},
		EpitopePositions:  []int{3},
		ParatopeDeltas:    []float64{0, 0},
		EpitopeDeltas:     []float64{0},
		Values:            [][]float64{{0.1}, {0.2, 0.3}},
	}
	if faults.KindOf(m.Check()) != faults.KindInput {
		t.Fatalf("check=%v", m.Check())
	}
}

func TestNewEngine_DefaultSubstitution(t *testing.T) {
	e := NewEngine(mock.New(), testutil.Logger(t), 0)
	if e.Substitution != 'A' {
		t.Fatalf("substitution=%q", e.Substitution)
	}
}

func TestBuild_BothAxesEmpty(t *testing.T) {
	e := newEngine(t, mock.New())
	pair := seq.Pair{Antibody: antibody, Antigen: antigen}
	m, err := e.Build(context.Background(), pair, nil, nil, "binding")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(m.Values) != 0 || len(m.ParatopeDeltas) != 0 || len(m.EpitopeDeltas) != 0 {
		t.Fatalf("matrix not empty: %+v", m)
	}
}
