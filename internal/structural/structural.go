// Package structural checks synergy predictions against an experimental
// structure: entries whose residues sit within the contact threshold are
// confirmed, and a chain that cannot be mapped onto the structure degrades
// its entries to unvalidated instead of failing the step.
package structural

import (
	"math"
	"sort"

	"github.com/kestlerbio/epilens/internal/align"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/synergy"
)

const (
	// DefaultContactThreshold is the minimum heavy-atom distance, in
	// angstroms, under which two residues count as a contact.
	DefaultContactThreshold = 8.0
	// DefaultMinIdentity is the sequence identity below which a chain is
	// considered unmappable onto the structure.
	DefaultMinIdentity = 0.90
)

type Validator struct {
	Provider CoordinateProvider
	Log      *logger.Logger

	ContactThreshold float64
	MinIdentity      float64
	AlignOpt         align.Options
}

func NewValidator(p CoordinateProvider, log *logger.Logger) *Validator {
	return &Validator{
		Provider:         p,
		Log:              log,
		ContactThreshold: DefaultContactThreshold,
		MinIdentity:      DefaultMinIdentity,
	}
}

// EntryLabel classifies one synergy matrix entry against the structure.
type EntryLabel int

const (
	LabelUnvalidated EntryLabel = iota
	LabelNoContact
	LabelContact
)

func (l EntryLabel) String() string {
	switch l {
	case LabelContact:
		return "contact"
	case LabelNoContact:
		return "no_contact"
	default:
		return "unvalidated"
	}
}

// ChainMap links analysis positions to structure residues. ToResidue[p] is
// the index into Chain.Residues for analysis position p, -1 where the
// alignment left a gap.
type ChainMap struct {
	Chain     Chain
	Identity  float64
	ToResidue []int
}

// MapChain aligns an analysis chain onto a structure chain. Identity below
// MinIdentity is an alignment fault: a low-identity mapping would label
// contacts for the wrong residues, which is worse than no labels.
func (v *Validator) MapChain(analysisSeq, chainID string) (*ChainMap, error) {
	ch, err := v.Provider.Chain(chainID)
	if err != nil {
		return nil, err
	}
	pa := align.Pairwise(analysisSeq, ch.Sequence(), v.AlignOpt)
	minID := v.MinIdentity
	if minID <= 0 {
		minID = DefaultMinIdentity
	}
	if pa.Identity() < minID {
		return nil, faults.Alignment("structural.map",
			"chain %q identity %.2f below %.2f", chainID, pa.Identity(), minID)
	}
	return &ChainMap{Chain: ch, Identity: pa.Identity(), ToResidue: pa.AToB}, nil
}

// Report carries the per-entry contact labels for one synergy matrix.
// Distances mirror Labels, -1 where an entry could not be validated.
type Report struct {
	AntibodyChain string
	AntigenChain  string

	Antibody    *ChainMap
	Antigen     *ChainMap
	AntibodyErr error
	AntigenErr  error

	Labels    [][]EntryLabel
	Distances [][]float64

	Validated   int
	Unvalidated int
}

// Validate labels every matrix entry. A chain that fails to map leaves its
// entries unvalidated; only a malformed matrix or missing deps fail the
// call itself.
func (v *Validator) Validate(m *synergy.Matrix, antibodyChain, antigenChain string) (*Report, error) {
	if v.Provider == nil || v.Log == nil {
		return nil, faults.Config("structural.validate", "missing deps")
	}
	if err := m.Check(); err != nil {
		return nil, err
	}

	rep := &Report{AntibodyChain: antibodyChain, AntigenChain: antigenChain}
	rep.Antibody, rep.AntibodyErr = v.mapCaptured(m.Pair.Antibody, antibodyChain, "antibody")
	rep.Antigen, rep.AntigenErr = v.mapCaptured(m.Pair.Antigen, antigenChain, "antigen")

	threshold := v.ContactThreshold
	if threshold <= 0 {
		threshold = DefaultContactThreshold
	}

	n, mm := len(m.ParatopePositions), len(m.EpitopePositions)
	rep.Labels = make([][]EntryLabel, n)
	rep.Distances = make([][]float64, n)
	for i := range rep.Labels {
		rep.Labels[i] = make([]EntryLabel, mm)
		rep.Distances[i] = make([]float64, mm)
		for j := range rep.Labels[i] {
			rep.Distances[i][j] = -1
			ra, ok := residueFor(rep.Antibody, m.ParatopePositions[i])
			if !ok {
				rep.Unvalidated++
				continue
			}
			rb, ok := residueFor(rep.Antigen, m.EpitopePositions[j])
			if !ok {
				rep.Unvalidated++
				continue
			}
			d := minDistance(ra, rb)
			rep.Distances[i][j] = d
			if d <= threshold {
				rep.Labels[i][j] = LabelContact
			} else {
				rep.Labels[i][j] = LabelNoContact
			}
			rep.Validated++
		}
	}
	v.Log.Info("structural validation done",
		"validated", rep.Validated, "unvalidated", rep.Unvalidated,
		"antibody_chain", antibodyChain, "antigen_chain", antigenChain)
	return rep, nil
}

func (v *Validator) mapCaptured(analysisSeq, chainID, side string) (*ChainMap, error) {
	cm, err := v.MapChain(analysisSeq, chainID)
	if err != nil {
		v.Log.Warn("chain mapping failed, entries stay unvalidated", "side", side, "chain", chainID, "error", err)
		return nil, err
	}
	return cm, nil
}

func residueFor(cm *ChainMap, pos int) (Residue, bool) {
	if cm == nil || pos < 0 || pos >= len(cm.ToResidue) {
		return Residue{}, false
	}
	idx := cm.ToResidue[pos]
	if idx < 0 {
		return Residue{}, false
	}
	r := cm.Chain.Residues[idx]
	if len(r.Atoms) == 0 {
		return Residue{}, false
	}
	return r, true
}

func minDistance(a, b Residue) float64 {
	best := math.Inf(1)
	for _, x := range a.Atoms {
		for _, y := range b.Atoms {
			dx, dy, dz := x.X-y.X, x.Y-y.Y, x.Z-y.Z
			if d := dx*dx + dy*dy + dz*dz; d < best {
				best = d
			}
		}
	}
	return math.Sqrt(best)
}

// Precision is the precision-at-k summary over the most negative entries.
// Skipped counts top-k entries that were unvalidated and therefore outside
// the denominator.
type Precision struct {
	K         int
	Evaluated int
	Contacts  int
	Skipped   int
	Value     float64
}

// PrecisionAtK ranks entries by ascending synergy value and scores the
// validated ones among the first k.
func (r *Report) PrecisionAtK(m *synergy.Matrix, k int) Precision {
	type cell struct {
		i, j int
		v    float64
	}
	cells := make([]cell, 0, len(m.Values)*len(m.EpitopePositions))
	for i := range m.Values {
		for j := range m.Values[i] {
			cells = append(cells, cell{i: i, j: j, v: m.Values[i][j]})
		}
	}
	sort.Slice(cells, func(a, b int) bool {
		if cells[a].v != cells[b].v {
			return cells[a].v < cells[b].v
		}
		if cells[a].i != cells[b].i {
			return cells[a].i < cells[b].i
		}
		return cells[a].j < cells[b].j
	})
	if k < 0 {
		k = 0
	}
	if k > len(cells) {
		k = len(cells)
	}
	p := Precision{K: k}
	for _, c := range cells[:k] {
		switch r.Labels[c.i][c.j] {
		case LabelContact:
			p.Contacts++
			p.Evaluated++
		case LabelNoContact:
			p.Evaluated++
		default:
			p.Skipped++
		}
	}
	if p.Evaluated > 0 {
		p.Value = float64(p.Contacts) / float64(p.Evaluated)
	}
	return p
}

// Annotation is one position-to-structure weight for an external renderer.
type Annotation struct {
	Chain         string
	Position      int
	StructChain   string
	StructResidue int
	ICode         string
	Weight        float64
}

// WeightAnnotations projects scored positions through a chain map.
// Positions the alignment left unmapped are dropped rather than annotated
// onto the wrong residue.
func WeightAnnotations(chainTag string, cm *ChainMap, positions []int, weights []float64) ([]Annotation, error) {
	if cm == nil {
		return nil, faults.Input("structural.annotate", "no chain mapping")
	}
	if len(positions) != len(weights) {
		return nil, faults.Input("structural.annotate",
			"weight count mismatch (got %d weights for %d positions)", len(weights), len(positions))
	}
	out := make([]Annotation, 0, len(positions))
	for i, pos := range positions {
		if pos < 0 || pos >= len(cm.ToResidue) {
			return nil, faults.Input("structural.annotate", "position %d out of range for length %d", pos, len(cm.ToResidue))
		}
		idx := cm.ToResidue[pos]
		if idx < 0 {
			continue
		}
		res := cm.Chain.Residues[idx]
		out = append(out, Annotation{
			Chain:         chainTag,
			Position:      pos,
			StructChain:   cm.Chain.ID,
			StructResidue: res.SeqNum,
			ICode:         res.ICode,
			Weight:        weights[i],
		})
	}
	return out, nil
}
