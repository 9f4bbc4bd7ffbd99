// Package panel fans one antibody out over a set of antigen variants and
// folds the per-variant epitope profiles into a shared coordinate system.
// Units are independent: one variant failing, or the run being cancelled
// midway, never discards the slots that already finished.
package panel

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestlerbio/epilens/internal/align"
	"github.com/kestlerbio/epilens/internal/attribution"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/residue"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

const (
	DefaultWorkers = 4
	DefaultTopK    = 10
)

type Aggregator struct {
	Attr    *attribution.Engine
	Aligner align.Aligner
	Log     *logger.Logger

	// Workers bounds in-flight variants; UnitTimeout is the budget for one
	// variant, zero meaning no per-unit limit.
	Workers     int
	UnitTimeout time.Duration
	TopK        int
}

func NewAggregator(attr *attribution.Engine, aligner align.Aligner, log *logger.Logger) *Aggregator {
	return &Aggregator{Attr: attr, Aligner: aligner, Log: log, Workers: DefaultWorkers, TopK: DefaultTopK}
}

// Variant is one antigen's slot in the panel result. Exactly one of
// Importance or Err is set; Columns maps residue position to alignment
// column for variants that contributed to the consensus.
type Variant struct {
	ID         string
	Sequence   string
	Importance []float64
	Columns    []int
	Err        error
}

// Column is one consensus coordinate. Mean and variance are over the
// Contributors variants only; a variant gapped here is absent from the
// denominator, never a zero contribution.
type Column struct {
	Mean         float64
	Variance     float64
	Contributors int
}

// Importance is the panel-level result: per-variant profiles plus the
// aligned consensus.
type Importance struct {
	Antibody  string
	Head      scoring.Head
	Reference string
	Width     int
	Variants  []Variant
	Columns   []Column
	Top       []int
}

// Means returns the per-column mean profile.
func (p *Importance) Means() []float64 {
	out := make([]float64, len(p.Columns))
	for i, c := range p.Columns {
		out[i] = c.Mean
	}
	return out
}

// Failed lists the variants whose unit did not produce a profile.
func (p *Importance) Failed() []Variant {
	var out []Variant
	for _, v := range p.Variants {
		if v.Err != nil {
			out = append(out, v)
		}
	}
	return out
}

// Aggregate runs one antibody against every antigen in the panel. targetID
// anchors the alignment when it names a panel member; otherwise the longest
// variant anchors. An empty panel is a valid request and yields an empty
// result.
func (a *Aggregator) Aggregate(ctx context.Context, antibody string, panel map[string]string, targetID string, head scoring.Head) (*Importance, error) {
	if a.Attr == nil || a.Aligner == nil || a.Log == nil {
		return nil, faults.Config("panel.aggregate", "missing deps")
	}
	if err := seq.Validate(antibody); err != nil {
		return nil, faults.Wrap(faults.KindInput, "panel.antibody", err)
	}
	out := &Importance{Antibody: antibody, Head: head, Variants: []Variant{}, Columns: []Column{}, Top: []int{}}
	if len(panel) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(panel))
	for id := range panel {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// 1) One slot per variant, filled concurrently. Workers that see a
	//    cancelled group context leave their slot to be marked below.
	slots := make([]Variant, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	workers := a.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	g.SetLimit(workers)
	for i, id := range ids {
		i, id := i, id
		slots[i] = Variant{ID: id, Sequence: panel[id]}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			uctx := gctx
			if a.UnitTimeout > 0 {
				var cancel context.CancelFunc
				uctx, cancel = context.WithTimeout(gctx, a.UnitTimeout)
				defer cancel()
			}
			prof, err := a.unit(uctx, antibody, slots[i].Sequence, head)
			if err != nil {
				a.Log.Warn("panel unit failed", "antigen", id, "error", err)
				slots[i].Err = err
				return nil
			}
			slots[i].Importance = prof
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := range slots {
		if slots[i].Importance == nil && slots[i].Err == nil {
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			slots[i].Err = faults.Wrap(faults.KindPartial, "panel.unit", cause)
		}
	}
	out.Variants = slots

	// 2) Align the variants that produced a profile. The target anchors
	//    when its unit succeeded; otherwise the longest contributor does.
	done := make(map[string]string)
	for _, v := range slots {
		if v.Err == nil {
			done[v.ID] = v.Sequence
		}
	}
	if len(done) == 0 {
		return out, nil
	}
	ref := pickReference(done, targetID)
	al, err := a.Aligner.Align(ref, done)
	if err != nil {
		return nil, err
	}
	out.Reference = ref
	out.Width = al.Width
	for i := range slots {
		if slots[i].Err == nil {
			slots[i].Columns = al.Columns[slots[i].ID]
		}
	}

	// 3) Consensus over contributors only.
	vals := make([][]float64, al.Width)
	for _, v := range slots {
		if v.Err != nil {
			continue
		}
		for pos, col := range v.Columns {
			vals[col] = append(vals[col], v.Importance[pos])
		}
	}
	out.Columns = make([]Column, al.Width)
	for c, vv := range vals {
		out.Columns[c] = summarize(vv)
	}

	topK := a.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	out.Top = residue.Top(out.Means(), topK)
	return out, nil
}

func (a *Aggregator) unit(ctx context.Context, antibody, antigen string, head scoring.Head) ([]float64, error) {
	pair, err := seq.NewPair(antibody, antigen)
	if err != nil {
		return nil, err
	}
	vecs, err := a.Attr.Attribute(ctx, []attribution.Request{{Pair: pair}}, head)
	if err != nil {
		return nil, err
	}
	prof, err := residue.Aggregate(vecs[0].Tokens, vecs[0].Scores, len(pair.Antibody), len(pair.Antigen))
	if err != nil {
		return nil, err
	}
	return prof.Antigen, nil
}

func pickReference(seqs map[string]string, targetID string) string {
	if _, ok := seqs[targetID]; ok && targetID != "" {
		return targetID
	}
	best := ""
	for id, s := range seqs {
		if best == "" || len(s) > len(seqs[best]) || (len(s) == len(seqs[best]) && id < best) {
			best = id
		}
	}
	return best
}

// summarize computes population mean and variance. Identical contributions
// short-circuit so a no-variation panel reports exactly zero variance.
func summarize(vv []float64) Column {
	if len(vv) == 0 {
		return Column{}
	}
	identical := true
	var sum float64
	for _, v := range vv {
		sum += v
		if v != vv[0] {
			identical = false
		}
	}
	if identical {
		return Column{Mean: vv[0], Contributors: len(vv)}
	}
	mean := sum / float64(len(vv))
	var ss float64
	for _, v := range vv {
		d := v - mean
		ss += d * d
	}
	return Column{Mean: mean, Variance: ss / float64(len(vv)), Contributors: len(vv)}
}
