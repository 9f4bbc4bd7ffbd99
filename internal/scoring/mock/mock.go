package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

// Scorer is a deterministic stand-in for a trained predictor. The score is
// bilinear in the token representations: s = w_h . (sum of antibody vectors
// elementwise-times sum of antigen vectors), so gradients along a straight
// interpolation path are linear and trapezoidal integration recovers the
// score difference exactly. Special tokens contribute nothing.
type Scorer struct {
	Dims int
	Seed string
}

func New() *Scorer {
	return &Scorer{Dims: 8, Seed: "epilens-mock"}
}

const (
	idBOS = 0
	idSEP = 1
	idEOS = 2
)

func (s *Scorer) Heads(ctx context.Context) ([]scoring.Head, error) {
	_ = ctx
	return []scoring.Head{"binding", "escape"}, nil
}

func (s *Scorer) Tokenize(ctx context.Context, pairs []seq.Pair) ([]scoring.Tokenization, error) {
	_ = ctx
	out := make([]scoring.Tokenization, len(pairs))
	for i, p := range pairs {
		out[i] = scoring.Tokenization{Tokens: s.tokens(p)}
	}
	return out, nil
}

func (s *Scorer) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	_ = ctx
	out := make([]scoring.Embedded, len(pairs))
	for i, p := range pairs {
		toks := s.tokens(p)
		reps := make([][]float32, len(toks))
		for j, t := range toks {
			reps[j] = s.tokenVec(t)
		}
		out[i] = scoring.Embedded{Tokens: toks, Reps: reps}
	}
	return out, nil
}

func (s *Scorer) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	_ = ctx
	w := s.headWeights(head)
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		toks := s.tokens(p)
		reps := make([][]float32, len(toks))
		for j, t := range toks {
			reps[j] = s.tokenVec(t)
		}
		a, g := chainSums(toks, reps, s.Dims)
		out[i] = dot3(w, a, g)
	}
	return out, nil
}

func (s *Scorer) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	_ = ctx
	w := s.headWeights(head)
	out := make([]scoring.PointGradients, len(points))
	for i, pt := range points {
		if len(pt.Reps) != len(pt.Tokens) {
			return nil, fmt.Errorf("mock gradients: point %d has %d reps for %d tokens", i, len(pt.Reps), len(pt.Tokens))
		}
		a, g := chainSums(pt.Tokens, pt.Reps, s.Dims)
		grads := make([][]float32, len(pt.Tokens))
		for j, t := range pt.Tokens {
			gv := make([]float32, s.Dims)
			switch t.Segment {
			case scoring.SegmentAntibody:
				for d := 0; d < s.Dims; d++ {
					gv[d] = float32(w[d] * g[d])
				}
			case scoring.SegmentAntigen:
				for d := 0; d < s.Dims; d++ {
					gv[d] = float32(w[d] * a[d])
				}
			}
			grads[j] = gv
		}
		out[i] = scoring.PointGradients{Score: dot3(w, a, g), Grads: grads}
	}
	return out, nil
}

func (s *Scorer) tokens(p seq.Pair) []scoring.Token {
	toks := make([]scoring.Token, 0, len(p.Antibody)+len(p.Antigen)+3)
	toks = append(toks, scoring.Token{ID: idBOS, Text: "<s>", Start: -1, End: -1, Segment: scoring.SegmentSpecial})
	for i := 0; i < len(p.Antibody); i++ {
		toks = append(toks, scoring.Token{
			ID:      3 + strings.IndexByte(seq.Alphabet, p.Antibody[i]),
			Text:    string(p.Antibody[i]),
			Start:   i,
			End:     i + 1,
			Segment: scoring.SegmentAntibody,
		})
	}
	toks = append(toks, scoring.Token{ID: idSEP, Text: "<sep>", Start: -1, End: -1, Segment: scoring.SegmentSpecial})
	for i := 0; i < len(p.Antigen); i++ {
		toks = append(toks, scoring.Token{
			ID:      3 + strings.IndexByte(seq.Alphabet, p.Antigen[i]),
			Text:    string(p.Antigen[i]),
			Start:   i,
			End:     i + 1,
			Segment: scoring.SegmentAntigen,
		})
	}
	toks = append(toks, scoring.Token{ID: idEOS, Text: "</s>", Start: -1, End: -1, Segment: scoring.SegmentSpecial})
	return toks
}

func (s *Scorer) tokenVec(t scoring.Token) []float32 {
	if t.Segment == scoring.SegmentSpecial {
		return make([]float32, s.Dims)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\n%d\n%d\n%s", s.Seed, t.Segment, t.Start, t.Text)))
	vec := make([]float32, s.Dims)
	for j := 0; j < s.Dims; j++ {
		u := binary.LittleEndian.Uint32(h[(j*4)%len(h):])
		vec[j] = float32(u%10_000)/10_000.0 - 0.5
	}
	return vec
}

func (s *Scorer) headWeights(head scoring.Head) []float64 {
	h := sha256.Sum256([]byte(s.Seed + "\nhead\n" + string(head)))
	w := make([]float64, s.Dims)
	for j := 0; j < s.Dims; j++ {
		u := binary.LittleEndian.Uint32(h[(j*4)%len(h):])
		w[j] = float64(u%10_000)/10_000.0 - 0.5
	}
	return w
}

func chainSums(toks []scoring.Token, reps [][]float32, dims int) (a, g []float64) {
	a = make([]float64, dims)
	g = make([]float64, dims)
	for j, t := range toks {
		switch t.Segment {
		case scoring.SegmentAntibody:
			for d := 0; d < dims && d < len(reps[j]); d++ {
				a[d] += float64(reps[j][d])
			}
		case scoring.SegmentAntigen:
			for d := 0; d < dims && d < len(reps[j]); d++ {
				g[d] += float64(reps[j][d])
			}
		}
	}
	return a, g
}

func dot3(w, a, g []float64) float64 {
	var s float64
	for d := range w {
		s += w[d] * a[d] * g[d]
	}
	return s
}
