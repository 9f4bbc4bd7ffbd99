// Package artifact defines the interchange records an analysis produces.
// Everything here serializes to plain JSON for downstream consumers;
// constructors check shape invariants so a malformed record is caught at
// assembly, not at read time.
package artifact

import (
	"time"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/panel"
	"github.com/kestlerbio/epilens/internal/structural"
	"github.com/kestlerbio/epilens/internal/synergy"
)

// Record is the full result for one (antibody, target) unit.
type Record struct {
	RunID     string    `json:"run_id"`
	UnitID    string    `json:"unit_id"`
	CreatedAt time.Time `json:"created_at"`

	AntibodyID string `json:"antibody_id"`
	TargetID   string `json:"target_id"`
	Head       string `json:"head"`

	Antibody string `json:"antibody"`
	Antigen  string `json:"antigen"`

	ScoreInput    float64 `json:"score_input"`
	ScoreBaseline float64 `json:"score_baseline"`

	Paratope   *Profile          `json:"paratope"`
	Regions    []Region          `json:"regions,omitempty"`
	Epitope    *Profile          `json:"epitope"`
	Panel      *PanelSummary     `json:"panel,omitempty"`
	Synergy    *SynergyRecord    `json:"synergy,omitempty"`
	Structural *StructuralRecord `json:"structural,omitempty"`

	Flags []string `json:"flags,omitempty"`
}

// Check verifies cross-field invariants after assembly.
func (r *Record) Check() error {
	const op = "artifact.record"
	if r.RunID == "" || r.UnitID == "" {
		return faults.Input(op, "missing run or unit id")
	}
	if r.Antibody == "" || r.Antigen == "" {
		return faults.Input(op, "missing sequences")
	}
	if r.Paratope == nil || r.Epitope == nil {
		return faults.Input(op, "missing importance profiles")
	}
	if len(r.Paratope.Scores) != len(r.Antibody) {
		return faults.Input(op, "paratope length mismatch (got %d want %d)", len(r.Paratope.Scores), len(r.Antibody))
	}
	if len(r.Epitope.Scores) != len(r.Antigen) {
		return faults.Input(op, "epitope length mismatch (got %d want %d)", len(r.Epitope.Scores), len(r.Antigen))
	}
	for _, reg := range r.Regions {
		if reg.Start < 0 || reg.End > len(r.Antibody) || reg.Start >= reg.End {
			return faults.Input(op, "region %q spans [%d,%d) outside antibody length %d", reg.Name, reg.Start, reg.End, len(r.Antibody))
		}
		if len(reg.Scores) != reg.End-reg.Start {
			return faults.Input(op, "region %q score length mismatch (got %d want %d)", reg.Name, len(reg.Scores), reg.End-reg.Start)
		}
	}
	return nil
}

// Profile is per-position importance for one chain with its ranked
// positions.
type Profile struct {
	Scores []float64 `json:"scores"`
	Top    []int     `json:"top,omitempty"`
	Sum    float64   `json:"sum"`
}

// NewProfile checks scores against the chain it describes.
func NewProfile(chain string, scores []float64, top []int) (*Profile, error) {
	const op = "artifact.profile"
	if len(scores) != len(chain) {
		return nil, faults.Input(op, "score length mismatch (got %d want %d)", len(scores), len(chain))
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	for _, p := range top {
		if p < 0 || p >= len(scores) {
			return nil, faults.Input(op, "top position %d out of range for length %d", p, len(scores))
		}
	}
	return &Profile{Scores: scores, Top: top, Sum: sum}, nil
}

// Region is one named antibody span with its slice of the paratope profile.
type Region struct {
	Name   string    `json:"name"`
	Start  int       `json:"start"`
	End    int       `json:"end"`
	Scores []float64 `json:"scores"`
	Sum    float64   `json:"sum"`
}

// SliceRegion cuts a named window out of a full profile.
func SliceRegion(name string, start, end int, full []float64) (Region, error) {
	const op = "artifact.region"
	if start < 0 || end > len(full) || start >= end {
		return Region{}, faults.Input(op, "region %q spans [%d,%d) outside profile length %d", name, start, end, len(full))
	}
	scores := append([]float64(nil), full[start:end]...)
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return Region{Name: name, Start: start, End: end, Scores: scores, Sum: sum}, nil
}

// PanelVariant is one antigen's slot, success or failure.
type PanelVariant struct {
	ID         string    `json:"id"`
	Sequence   string    `json:"sequence"`
	Importance []float64 `json:"importance,omitempty"`
	Columns    []int     `json:"columns,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PanelSummary is the aligned consensus over a panel.
type PanelSummary struct {
	Reference    string         `json:"reference"`
	Width        int            `json:"width"`
	Variants     []PanelVariant `json:"variants"`
	Mean         []float64      `json:"mean"`
	Variance     []float64      `json:"variance"`
	Contributors []int          `json:"contributors"`
	Top          []int          `json:"top"`
	ClassTag     string         `json:"class_tag,omitempty"`
}

// FromPanel converts the in-memory panel result.
func FromPanel(p *panel.Importance, classTag string) (*PanelSummary, error) {
	const op = "artifact.panel"
	out := &PanelSummary{
		Reference:    p.Reference,
		Width:        p.Width,
		Variants:     make([]PanelVariant, 0, len(p.Variants)),
		Mean:         make([]float64, len(p.Columns)),
		Variance:     make([]float64, len(p.Columns)),
		Contributors: make([]int, len(p.Columns)),
		Top:          p.Top,
		ClassTag:     classTag,
	}
	if len(p.Columns) != p.Width {
		return nil, faults.Input(op, "column count mismatch (got %d want %d)", len(p.Columns), p.Width)
	}
	for i, c := range p.Columns {
		out.Mean[i] = c.Mean
		out.Variance[i] = c.Variance
		out.Contributors[i] = c.Contributors
	}
	for _, v := range p.Variants {
		pv := PanelVariant{ID: v.ID, Sequence: v.Sequence}
		if v.Err != nil {
			pv.Error = v.Err.Error()
		} else {
			if len(v.Importance) != len(v.Sequence) {
				return nil, faults.Input(op, "variant %q importance length mismatch (got %d want %d)", v.ID, len(v.Importance), len(v.Sequence))
			}
			pv.Importance = v.Importance
			pv.Columns = v.Columns
		}
		out.Variants = append(out.Variants, pv)
	}
	return out, nil
}

// UnitError is the structured failure slot for one unit of a library or
// panel run. Kind uses the fault taxonomy's string form.
type UnitError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewUnitError classifies err for a result slot.
func NewUnitError(err error) *UnitError {
	if err == nil {
		return nil
	}
	return &UnitError{Kind: faults.KindOf(err).String(), Message: err.Error()}
}

// CouplingRecord is one ranked synergy entry.
type CouplingRecord struct {
	Paratope int     `json:"paratope"`
	Epitope  int     `json:"epitope"`
	Value    float64 `json:"value"`
}

// SynergyRecord is the serializable double-mutant cycle result.
type SynergyRecord struct {
	Substitution      string           `json:"substitution"`
	ParatopePositions []int            `json:"paratope_positions"`
	EpitopePositions  []int            `json:"epitope_positions"`
	WildTypeScore     float64          `json:"wild_type_score"`
	ParatopeDeltas    []float64        `json:"paratope_deltas"`
	EpitopeDeltas     []float64        `json:"epitope_deltas"`
	Values            [][]float64      `json:"values"`
	TopPairs          []CouplingRecord `json:"top_pairs,omitempty"`
}

// FromMatrix converts a checked synergy matrix, retaining the topK most
// negative entries as the ranked shortlist.
func FromMatrix(m *synergy.Matrix, topK int) (*SynergyRecord, error) {
	if err := m.Check(); err != nil {
		return nil, err
	}
	out := &SynergyRecord{
		Substitution:      m.Substitution,
		ParatopePositions: m.ParatopePositions,
		EpitopePositions:  m.EpitopePositions,
		WildTypeScore:     m.WildTypeScore,
		ParatopeDeltas:    m.ParatopeDeltas,
		EpitopeDeltas:     m.EpitopeDeltas,
		Values:            m.Values,
	}
	for _, c := range m.TopPairs(topK) {
		out.TopPairs = append(out.TopPairs, CouplingRecord{Paratope: c.Paratope, Epitope: c.Epitope, Value: c.Value})
	}
	return out, nil
}

// PrecisionRecord is the precision-at-k summary.
type PrecisionRecord struct {
	K         int     `json:"k"`
	Evaluated int     `json:"evaluated"`
	Contacts  int     `json:"contacts"`
	Skipped   int     `json:"skipped"`
	Value     float64 `json:"value"`
}

// AnnotationRecord is one renderer weight.
type AnnotationRecord struct {
	Chain         string  `json:"chain"`
	Position      int     `json:"position"`
	StructChain   string  `json:"struct_chain"`
	StructResidue int     `json:"struct_residue"`
	ICode         string  `json:"icode,omitempty"`
	Weight        float64 `json:"weight"`
}

// StructuralRecord is the serializable validation report. Labels use the
// string form so the record stays language-agnostic; distances are -1
// where an entry is unvalidated.
type StructuralRecord struct {
	AntibodyChain    string  `json:"antibody_chain"`
	AntigenChain     string  `json:"antigen_chain"`
	AntibodyIdentity float64 `json:"antibody_identity,omitempty"`
	AntigenIdentity  float64 `json:"antigen_identity,omitempty"`
	AntibodyError    string  `json:"antibody_error,omitempty"`
	AntigenError     string  `json:"antigen_error,omitempty"`

	ContactThreshold float64     `json:"contact_threshold"`
	Labels           [][]string  `json:"labels"`
	Distances        [][]float64 `json:"distances"`
	Validated        int         `json:"validated"`
	Unvalidated      int         `json:"unvalidated"`

	Precision   *PrecisionRecord   `json:"precision,omitempty"`
	Annotations []AnnotationRecord `json:"annotations,omitempty"`
}

// FromReport converts a validation report.
func FromReport(rep *structural.Report, threshold float64, prec *structural.Precision, anns []structural.Annotation) *StructuralRecord {
	out := &StructuralRecord{
		AntibodyChain:    rep.AntibodyChain,
		AntigenChain:     rep.AntigenChain,
		ContactThreshold: threshold,
		Labels:           make([][]string, len(rep.Labels)),
		Distances:        rep.Distances,
		Validated:        rep.Validated,
		Unvalidated:      rep.Unvalidated,
	}
	if rep.Antibody != nil {
		out.AntibodyIdentity = rep.Antibody.Identity
	}
	if rep.Antigen != nil {
		out.AntigenIdentity = rep.Antigen.Identity
	}
	if rep.AntibodyErr != nil {
		out.AntibodyError = rep.AntibodyErr.Error()
	}
	if rep.AntigenErr != nil {
		out.AntigenError = rep.AntigenErr.Error()
	}
	for i, row := range rep.Labels {
		out.Labels[i] = make([]string, len(row))
		for j, l := range row {
			out.Labels[i][j] = l.String()
		}
	}
	if prec != nil {
		out.Precision = &PrecisionRecord{
			K: prec.K, Evaluated: prec.Evaluated, Contacts: prec.Contacts,
			Skipped: prec.Skipped, Value: prec.Value,
		}
	}
	for _, a := range anns {
		out.Annotations = append(out.Annotations, AnnotationRecord{
			Chain: a.Chain, Position: a.Position, StructChain: a.StructChain,
			StructResidue: a.StructResidue, ICode: a.ICode, Weight: a.Weight,
		})
	}
	return out
}
