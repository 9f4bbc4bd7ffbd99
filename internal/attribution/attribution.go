// Package attribution decomposes a predicted score over the tokens of an
// antibody/antigen pair by integrating gradients along the straight path
// from a baseline representation to the input representation.
package attribution

import (
	"context"
	"fmt"
	"math"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

const (
	DefaultSteps = 32

	// DefaultRelTol is the completeness deviation above which a vector is
	// flagged low-quality. DefaultHardRelTol is the deviation treated as a
	// numerical failure of the backend's gradients.
	DefaultRelTol     = 1e-2
	DefaultHardRelTol = 0.5

	// deltaFloor keeps the relative completeness check meaningful when the
	// score difference itself is near zero.
	deltaFloor = 1e-6
)

type Engine struct {
	Scorer scoring.Scorer
	Log    *logger.Logger

	Steps      int
	RelTol     float64
	HardRelTol float64
}

func NewEngine(scorer scoring.Scorer, log *logger.Logger, steps int) *Engine {
	if steps < 1 {
		steps = DefaultSteps
	}
	return &Engine{
		Scorer:     scorer,
		Log:        log.With("component", "attribution"),
		Steps:      steps,
		RelTol:     DefaultRelTol,
		HardRelTol: DefaultHardRelTol,
	}
}

// Request is one pair to explain. A nil Baseline means the masked baseline:
// both chains replaced by the unknown symbol at matching lengths.
type Request struct {
	Pair     seq.Pair
	Baseline *seq.Pair
}

// Vector is the token-level attribution of one pair's score.
type Vector struct {
	Pair   seq.Pair
	Head   scoring.Head
	Tokens []scoring.Token
	Scores []float64

	ScoreInput    float64
	ScoreBaseline float64

	// CompletenessErr is |sum(Scores) - (ScoreInput - ScoreBaseline)|
	// relative to the score difference. Flagged marks vectors whose
	// deviation exceeded the engine tolerance.
	CompletenessErr float64
	Flagged         bool
}

// MaskBaseline builds the default all-unknown baseline for a pair.
func MaskBaseline(p seq.Pair) seq.Pair {
	return seq.Pair{Antibody: seq.Masked(p.Antibody), Antigen: seq.Masked(p.Antigen)}
}

// Attribute explains every requested pair against head. All requests share
// one Embed call and one Gradients call: the scoring interface is the only
// place this package blocks, and each method touches it at most once.
func (e *Engine) Attribute(ctx context.Context, reqs []Request, head scoring.Head) ([]Vector, error) {
	if e.Scorer == nil || e.Log == nil {
		return nil, fmt.Errorf("attribution: missing deps")
	}
	if len(reqs) == 0 {
		return []Vector{}, nil
	}
	steps := e.Steps
	if steps < 1 {
		steps = DefaultSteps
	}

	// 1) Resolve baselines and embed inputs and baselines together.
	pairs := make([]seq.Pair, 0, 2*len(reqs))
	baselines := make([]seq.Pair, len(reqs))
	for i, r := range reqs {
		b := MaskBaseline(r.Pair)
		if r.Baseline != nil {
			b = *r.Baseline
		}
		if len(b.Antibody) != len(r.Pair.Antibody) || len(b.Antigen) != len(r.Pair.Antigen) {
			return nil, faults.Input("attribution.baseline",
				"request %d: baseline lengths (%d,%d) do not match input (%d,%d)",
				i, len(b.Antibody), len(b.Antigen), len(r.Pair.Antibody), len(r.Pair.Antigen))
		}
		baselines[i] = b
		pairs = append(pairs, r.Pair)
	}
	pairs = append(pairs, baselines...)

	embedded, err := e.Scorer.Embed(ctx, pairs)
	if err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("attribution.embed", len(embedded), len(pairs)); err != nil {
		return nil, err
	}

	// 2) Interpolate: steps points per request, all in one flat batch.
	alphas, weights := pathWeights(steps)
	points := make([]scoring.GradientPoint, 0, len(reqs)*steps)
	for i := range reqs {
		in, base := embedded[i], embedded[len(reqs)+i]
		if len(in.Tokens) != len(base.Tokens) {
			return nil, faults.Input("attribution.baseline",
				"request %d: baseline tokenization has %d tokens, input has %d", i, len(base.Tokens), len(in.Tokens))
		}
		for _, a := range alphas {
			points = append(points, scoring.GradientPoint{Tokens: in.Tokens, Reps: lerpReps(base.Reps, in.Reps, a)})
		}
	}

	grads, err := e.Scorer.Gradients(ctx, points, head)
	if err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("attribution.gradients", len(grads), len(points)); err != nil {
		return nil, err
	}

	// 3) Accumulate per-token attributions and run the completeness check.
	out := make([]Vector, len(reqs))
	for i := range reqs {
		in, base := embedded[i], embedded[len(reqs)+i]
		pg := grads[i*steps : (i+1)*steps]
		for k, g := range pg {
			if !isFinite(g.Score) {
				return nil, faults.Numerical("attribution.integrate",
					"request %d: non-finite score at interpolation point %d", i, k)
			}
		}

		tokScores := make([]float64, len(in.Tokens))
		for j := range in.Tokens {
			var acc float64
			for k := range pg {
				if len(pg[k].Grads) != len(in.Tokens) {
					return nil, faults.Numerical("attribution.integrate",
						"request %d: point %d returned %d gradient rows for %d tokens",
						i, k, len(pg[k].Grads), len(in.Tokens))
				}
				row := pg[k].Grads[j]
				var dot float64
				for d := 0; d < len(row) && d < len(in.Reps[j]); d++ {
					dot += float64(in.Reps[j][d]-base.Reps[j][d]) * float64(row[d])
				}
				acc += weights[k] * dot
			}
			if !isFinite(acc) {
				return nil, faults.Numerical("attribution.integrate",
					"request %d: non-finite attribution for token %d", i, j)
			}
			tokScores[j] = acc
		}

		v := Vector{
			Pair:   reqs[i].Pair,
			Head:   head,
			Tokens: in.Tokens,
			Scores: tokScores,
		}

		if steps == 1 {
			// Midpoint rule: the single point carries no endpoint scores,
			// so the completeness diagnostic is unavailable.
			v.ScoreInput = pg[0].Score
			v.ScoreBaseline = pg[0].Score
			e.Log.Warn("single-step path: completeness diagnostic unavailable", "request", i)
		} else {
			v.ScoreBaseline = pg[0].Score
			v.ScoreInput = pg[steps-1].Score
			var sum float64
			for _, s := range tokScores {
				sum += s
			}
			delta := v.ScoreInput - v.ScoreBaseline
			rel := math.Abs(sum-delta) / math.Max(math.Abs(delta), deltaFloor)
			v.CompletenessErr = rel
			if rel > e.hardRelTol() {
				return nil, faults.Numerical("attribution.completeness",
					"request %d: attribution sum deviates from score delta by %.3g (delta=%.3g)", i, rel, delta)
			}
			if rel > e.relTol() {
				v.Flagged = true
				e.Log.Warn("completeness deviation above tolerance",
					"request", i, "deviation", rel, "delta", delta, "steps", steps)
			}
		}
		out[i] = v
	}
	return out, nil
}

func (e *Engine) relTol() float64 {
	if e.RelTol > 0 {
		return e.RelTol
	}
	return DefaultRelTol
}

func (e *Engine) hardRelTol() float64 {
	if e.HardRelTol > 0 {
		return e.HardRelTol
	}
	return DefaultHardRelTol
}

// pathWeights returns the interpolation coefficients and their trapezoidal
// quadrature weights. Both endpoints are included for steps >= 2; a single
// step degenerates to the midpoint.
func pathWeights(steps int) (alphas, weights []float64) {
	if steps == 1 {
		return []float64{0.5}, []float64{1}
	}
	alphas = make([]float64, steps)
	weights = make([]float64, steps)
	h := 1.0 / float64(steps-1)
	for k := 0; k < steps; k++ {
		alphas[k] = float64(k) * h
		if k == 0 || k == steps-1 {
			weights[k] = h / 2
		} else {
			weights[k] = h
		}
	}
	return alphas, weights
}

func lerpReps(base, in [][]float32, alpha float64) [][]float32 {
	out := make([][]float32, len(in))
	for j := range in {
		row := make([]float32, len(in[j]))
		for d := range row {
			b := float64(base[j][d])
			row[d] = float32(b + alpha*(float64(in[j][d])-b))
		}
		out[j] = row
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
