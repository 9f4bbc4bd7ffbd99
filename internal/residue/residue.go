// Package residue folds token-level attribution scores down to one value
// per chain position. Grouping sums rather than averages, so the
// completeness property of the token vector survives aggregation.
package residue

import (
	"sort"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/scoring"
)

// Profiles holds per-position importance for both chains of a pair.
// Index is the 0-based residue position; length always equals the chain
// length, with positions no token covered left at zero.
type Profiles struct {
	Antibody []float64
	Antigen  []float64
}

// Aggregate maps token scores onto chain positions. Special tokens carry no
// span and are discarded. Several tokens covering the same position sum into
// it; a token spanning k positions contributes score/k to each, so the total
// mass of the vector is preserved either way.
func Aggregate(tokens []scoring.Token, scores []float64, antibodyLen, antigenLen int) (Profiles, error) {
	const op = "residue.aggregate"

	if antibodyLen <= 0 {
		return Profiles{}, faults.Input(op, "zero-length antibody chain")
	}
	if antigenLen <= 0 {
		return Profiles{}, faults.Input(op, "zero-length antigen chain")
	}
	if len(scores) != len(tokens) {
		return Profiles{}, faults.Input(op, "score count mismatch (got %d scores for %d tokens)", len(scores), len(tokens))
	}

	p := Profiles{
		Antibody: make([]float64, antibodyLen),
		Antigen:  make([]float64, antigenLen),
	}
	for i, t := range tokens {
		n := t.Residues()
		if n == 0 {
			continue
		}
		var chain []float64
		switch t.Segment {
		case scoring.SegmentAntibody:
			chain = p.Antibody
		case scoring.SegmentAntigen:
			chain = p.Antigen
		default:
			continue
		}
		if t.Start < 0 || t.End > len(chain) {
			return Profiles{}, faults.Input(op, "token %d spans [%d,%d) outside %s length %d",
				i, t.Start, t.End, t.Segment, len(chain))
		}
		share := scores[i] / float64(n)
		for pos := t.Start; pos < t.End; pos++ {
			chain[pos] += share
		}
	}
	return p, nil
}

// Top returns the indices of the k largest scores, descending, ties broken
// by position. k larger than the profile clamps to its length.
func Top(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if scores[idx[a]] != scores[idx[b]] {
			return scores[idx[a]] > scores[idx[b]]
		}
		return idx[a] < idx[b]
	})
	if k < 0 {
		k = 0
	}
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// Sum is the total attribution mass of a profile.
func Sum(scores []float64) float64 {
	var s float64
	for _, v := range scores {
		s += v
	}
	return s
}
