// Package synergy runs double-mutant cycles over candidate paratope and
// epitope positions. One analysis needs 1+N+M+N*M scores and issues them
// as a single batch; the matrix is assembled purely by index into the
// ordered response.
package synergy

import (
	"context"
	"math"
	"sort"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

type Engine struct {
	Scorer scoring.Scorer
	Log    *logger.Logger

	// Substitution is the scanning residue, alanine unless configured.
	Substitution byte
}

func NewEngine(scorer scoring.Scorer, log *logger.Logger, substitution byte) *Engine {
	if substitution == 0 {
		substitution = 'A'
	}
	return &Engine{Scorer: scorer, Log: log, Substitution: substitution}
}

// Matrix is the double-mutant cycle result. Values[i][j] is the synergy of
// paratope position ParatopePositions[i] with epitope position
// EpitopePositions[j]; strongly negative means coupled.
type Matrix struct {
	Pair         seq.Pair
	Head         scoring.Head
	Substitution string

	ParatopePositions []int
	EpitopePositions  []int

	WildTypeScore  float64
	ParatopeDeltas []float64
	EpitopeDeltas  []float64
	Values         [][]float64
}

// Check verifies the record's shape invariants.
func (m *Matrix) Check() error {
	const op = "synergy.matrix"
	n, mm := len(m.ParatopePositions), len(m.EpitopePositions)
	if len(m.ParatopeDeltas) != n {
		return faults.Input(op, "paratope delta count mismatch (got %d want %d)", len(m.ParatopeDeltas), n)
	}
	if len(m.EpitopeDeltas) != mm {
		return faults.Input(op, "epitope delta count mismatch (got %d want %d)", len(m.EpitopeDeltas), mm)
	}
	if len(m.Values) != n {
		return faults.Input(op, "row count mismatch (got %d want %d)", len(m.Values), n)
	}
	for i, row := range m.Values {
		if len(row) != mm {
			return faults.Input(op, "row %d length mismatch (got %d want %d)", i, len(row), mm)
		}
	}
	return nil
}

// Coupling is one matrix entry with its chain positions.
type Coupling struct {
	Paratope int
	Epitope  int
	Value    float64
}

// TopPairs returns the k most negative entries, strongest coupling first,
// ties broken by paratope then epitope position.
func (m *Matrix) TopPairs(k int) []Coupling {
	all := make([]Coupling, 0, len(m.ParatopePositions)*len(m.EpitopePositions))
	for i, p := range m.ParatopePositions {
		for j, e := range m.EpitopePositions {
			all = append(all, Coupling{Paratope: p, Epitope: e, Value: m.Values[i][j]})
		}
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].Value != all[b].Value {
			return all[a].Value < all[b].Value
		}
		if all[a].Paratope != all[b].Paratope {
			return all[a].Paratope < all[b].Paratope
		}
		return all[a].Epitope < all[b].Epitope
	})
	if k < 0 {
		k = 0
	}
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// Build scores the full cycle for the given candidate positions. Every
// variant sequence is constructed and validated before the batch goes out,
// so an out-of-range position never dispatches a partial batch.
func (e *Engine) Build(ctx context.Context, pair seq.Pair, paratope, epitope []int, head scoring.Head) (*Matrix, error) {
	if e.Scorer == nil || e.Log == nil {
		return nil, faults.Config("synergy.build", "missing deps")
	}
	sub := e.Substitution
	if sub == 0 {
		sub = 'A'
	}
	n, m := len(paratope), len(epitope)

	// 1) Construct wild type, singles and doubles in batch order.
	batch := make([]seq.Pair, 0, 1+n+m+n*m)
	batch = append(batch, pair)

	abSingles := make([]string, n)
	for i, p := range paratope {
		s, err := seq.Substitute(pair.Antibody, p, sub)
		if err != nil {
			return nil, faults.Wrap(faults.KindInput, "synergy.paratope", err)
		}
		abSingles[i] = s
		batch = append(batch, seq.Pair{Antibody: s, Antigen: pair.Antigen})
	}
	agSingles := make([]string, m)
	for j, p := range epitope {
		s, err := seq.Substitute(pair.Antigen, p, sub)
		if err != nil {
			return nil, faults.Wrap(faults.KindInput, "synergy.epitope", err)
		}
		agSingles[j] = s
		batch = append(batch, seq.Pair{Antibody: pair.Antibody, Antigen: s})
	}
	for i := range paratope {
		for j := range epitope {
			batch = append(batch, seq.Pair{Antibody: abSingles[i], Antigen: agSingles[j]})
		}
	}

	// 2) One scoring call for the whole cycle.
	scores, err := e.Scorer.Score(ctx, batch, head)
	if err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("synergy.score", len(scores), len(batch)); err != nil {
		return nil, err
	}
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, faults.Numerical("synergy.score", "non-finite score at batch index %d", i)
		}
	}

	// 3) Deltas and the cycle closure.
	s0 := scores[0]
	out := &Matrix{
		Pair:              pair,
		Head:              head,
		Substitution:      string(sub),
		ParatopePositions: append([]int(nil), paratope...),
		EpitopePositions:  append([]int(nil), epitope...),
		WildTypeScore:     s0,
		ParatopeDeltas:    make([]float64, n),
		EpitopeDeltas:     make([]float64, m),
		Values:            make([][]float64, n),
	}
	for i := range paratope {
		out.ParatopeDeltas[i] = s0 - scores[1+i]
	}
	for j := range epitope {
		out.EpitopeDeltas[j] = s0 - scores[1+n+j]
	}
	doubles := scores[1+n+m:]
	for i := range paratope {
		row := make([]float64, m)
		for j := range epitope {
			dij := s0 - doubles[i*m+j]
			row[j] = dij - (out.ParatopeDeltas[i] + out.EpitopeDeltas[j])
		}
		out.Values[i] = row
	}
	if err := out.Check(); err != nil {
		return nil, err
	}
	e.Log.Debug("synergy matrix built",
		"paratope", n, "epitope", m, "batch", len(batch), "wild_type_score", s0)
	return out, nil
}
