// Package scoring defines the boundary to the binding-affinity predictor.
// Everything above this interface treats the model as a black box that
// scores antibody/antigen pairs and differentiates scores with respect to
// its own input representations.
package scoring

import (
	"context"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/seq"
)

// Head names a prediction output of the model (binding affinity,
// escape likelihood). The set of heads is fixed per backend.
type Head string

// Segment tags a token with the chain it came from.
type Segment int

const (
	SegmentSpecial Segment = iota
	SegmentAntibody
	SegmentAntigen
)

func (s Segment) String() string {
	switch s {
	case SegmentAntibody:
		return "antibody"
	case SegmentAntigen:
		return "antigen"
	default:
		return "special"
	}
}

// Token is one unit of the model's input representation. Start/End are byte
// offsets into the tagged chain (half-open); both are -1 for special tokens.
type Token struct {
	ID      int
	Text    string
	Start   int
	End     int
	Segment Segment
}

// Residues is the number of chain positions the token covers.
func (t Token) Residues() int {
	if t.Segment == SegmentSpecial || t.End <= t.Start {
		return 0
	}
	return t.End - t.Start
}

type Tokenization struct {
	Tokens []Token
}

// Embedded is a pair lifted into the model's input representation:
// one vector per token, in token order.
type Embedded struct {
	Tokens []Token
	Reps   [][]float32
}

// GradientPoint is one representation to differentiate at. Tokens carry the
// segment and id layout the scorer graph needs alongside the raw vectors;
// Reps has one row per token, same shape as the Embedded it was built from.
type GradientPoint struct {
	Tokens []Token
	Reps   [][]float32
}

// PointGradients is the model output at one point: the head's score and the
// gradient of that score with respect to every input vector.
type PointGradients struct {
	Score float64
	Grads [][]float32
}

// Scorer is the full surface the explanation engine needs from a backend.
//
// Responses are index-aligned with requests. Implementations must never
// reorder, drop, or pad; CheckCount enforces the length half of that
// contract and a violation aborts the run.
type Scorer interface {
	Heads(ctx context.Context) ([]Head, error)
	Score(ctx context.Context, pairs []seq.Pair, head Head) ([]float64, error)
	Tokenize(ctx context.Context, pairs []seq.Pair) ([]Tokenization, error)
	Embed(ctx context.Context, pairs []seq.Pair) ([]Embedded, error)
	Gradients(ctx context.Context, points []GradientPoint, head Head) ([]PointGradients, error)
}

// CheckCount verifies a backend response length. A mismatch means the
// backend broke the index-alignment contract, which poisons every
// downstream decomposition, so it is classified as a resource fault and
// never retried.
func CheckCount(op string, got, want int) error {
	if got != want {
		return faults.Resource(op, "response count mismatch (got %d want %d)", got, want)
	}
	return nil
}

// ResolveHead checks that the backend serves the named head. Called once at
// wiring time so unit work never starts against a missing head.
func ResolveHead(ctx context.Context, s Scorer, name string) (Head, error) {
	heads, err := s.Heads(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindResource, "scoring.heads", err)
	}
	for _, h := range heads {
		if string(h) == name {
			return h, nil
		}
	}
	return "", faults.Config("scoring.head", "head %q not served (have %v)", name, heads)
}
