// Package analysis orchestrates one explanation pipeline end to end:
// attribution, residue aggregation, panel consensus, the double-mutant
// cycle, and optional structural validation, assembled into one artifact
// per (antibody, target) unit.
package analysis

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/seq"
)

// SequenceInput names one chain of a request document.
type SequenceInput struct {
	ID       string `yaml:"id" json:"id"`
	Sequence string `yaml:"sequence" json:"sequence"`
}

// RegionSpec is one named antibody window, half-open on residue positions.
type RegionSpec struct {
	Name  string `yaml:"name" json:"name"`
	Start int    `yaml:"start" json:"start"`
	End   int    `yaml:"end" json:"end"`
}

// StructureSpec points the validator at an experimental structure.
type StructureSpec struct {
	Path          string `yaml:"path" json:"path"`
	AntibodyChain string `yaml:"antibody_chain" json:"antibody_chain"`
	AntigenChain  string `yaml:"antigen_chain" json:"antigen_chain"`
}

// Request is one analysis unit: an antibody against a target antigen,
// optionally widened to a variant panel and cross-checked against a
// structure. Documents are YAML; see LoadRequest.
type Request struct {
	RunID    string          `yaml:"run_id" json:"run_id"`
	Antibody SequenceInput   `yaml:"antibody" json:"antibody"`
	Target   SequenceInput   `yaml:"target" json:"target"`
	Panel    []SequenceInput `yaml:"panel" json:"panel"`
	Regions  []RegionSpec    `yaml:"regions" json:"regions"`

	// ExternalImportance is an optional antibody-length importance signal
	// blended into candidate selection with the configured alpha.
	ExternalImportance []float64 `yaml:"external_importance" json:"external_importance"`

	// ClassTag overrides the class labeler for this unit when set.
	ClassTag string `yaml:"class_tag" json:"class_tag"`

	Structure *StructureSpec `yaml:"structure" json:"structure"`
}

// Normalize cleans pasted sequence text in place and checks every field the
// pipeline depends on, before any scoring work starts.
func (r *Request) Normalize() error {
	const op = "analysis.request"
	var err error
	if r.Antibody.Sequence, err = seq.Normalize(r.Antibody.Sequence); err != nil {
		return faults.Wrap(faults.KindInput, op+".antibody", err)
	}
	if r.Target.Sequence, err = seq.Normalize(r.Target.Sequence); err != nil {
		return faults.Wrap(faults.KindInput, op+".target", err)
	}
	if r.Antibody.ID == "" {
		return faults.Input(op, "antibody id is required")
	}
	if r.Target.ID == "" {
		return faults.Input(op, "target id is required")
	}
	seen := map[string]bool{}
	for i := range r.Panel {
		v := &r.Panel[i]
		if v.ID == "" {
			return faults.Input(op, "panel entry %d has no id", i)
		}
		if seen[v.ID] {
			return faults.Input(op, "duplicate panel id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Sequence, err = seq.Normalize(v.Sequence); err != nil {
			return faults.Wrap(faults.KindInput, op+".panel", err)
		}
	}
	for _, reg := range r.Regions {
		if reg.Name == "" {
			return faults.Input(op, "region with empty name")
		}
		if reg.Start < 0 || reg.End > len(r.Antibody.Sequence) || reg.Start >= reg.End {
			return faults.Input(op, "region %q spans [%d,%d) outside antibody length %d",
				reg.Name, reg.Start, reg.End, len(r.Antibody.Sequence))
		}
	}
	if n := len(r.ExternalImportance); n != 0 && n != len(r.Antibody.Sequence) {
		return faults.Input(op, "external importance length mismatch (got %d want %d)", n, len(r.Antibody.Sequence))
	}
	if s := r.Structure; s != nil {
		if s.Path == "" || s.AntibodyChain == "" || s.AntigenChain == "" {
			return faults.Input(op, "structure needs path, antibody_chain and antigen_chain")
		}
	}
	return nil
}

// PanelMap returns the panel as id -> sequence with the target always
// present, so consensus columns can be mapped back onto target positions.
func (r *Request) PanelMap() map[string]string {
	if len(r.Panel) == 0 {
		return nil
	}
	m := make(map[string]string, len(r.Panel)+1)
	for _, v := range r.Panel {
		m[v.ID] = v.Sequence
	}
	if _, ok := m[r.Target.ID]; !ok {
		m[r.Target.ID] = r.Target.Sequence
	}
	return m
}

// LoadRequest reads one YAML request document.
func LoadRequest(path string) (*Request, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindInput, "analysis.load", err)
	}
	var req Request
	if err := yaml.Unmarshal(b, &req); err != nil {
		return nil, faults.Wrap(faults.KindInput, "analysis.parse", err)
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	return &req, nil
}

type libraryDoc struct {
	Requests []Request `yaml:"requests"`
}

// LoadLibrary reads a multi-request YAML document ("requests:" list).
func LoadLibrary(path string) ([]Request, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindInput, "analysis.load", err)
	}
	var doc libraryDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, faults.Wrap(faults.KindInput, "analysis.parse", err)
	}
	for i := range doc.Requests {
		if err := doc.Requests[i].Normalize(); err != nil {
			return nil, faults.Wrap(faults.KindInput, "analysis.request", err)
		}
	}
	return doc.Requests, nil
}

// RegionAnnotator supplies antibody sub-region boundaries. The engine
// consumes regions, it never derives them: annotation is an external
// collaborator's job.
type RegionAnnotator interface {
	Regions(ctx context.Context, antibody string) ([]RegionSpec, error)
}

// StaticRegions serves a fixed region table, the wiring used when region
// boundaries arrive in the request document or a config file.
type StaticRegions []RegionSpec

func (s StaticRegions) Regions(ctx context.Context, antibody string) ([]RegionSpec, error) {
	_ = ctx
	out := make([]RegionSpec, 0, len(s))
	for _, r := range s {
		if r.Start < 0 || r.End > len(antibody) || r.Start >= r.End {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ClassLabeler tags an epitope position set with a coarse category. Like
// regions, the label is supplied, not computed here.
type ClassLabeler interface {
	Label(ctx context.Context, positions []int) (string, error)
}

// ClassRule maps a position window on the reference antigen to a label.
type ClassRule struct {
	Name  string `yaml:"name" json:"name"`
	Start int    `yaml:"start" json:"start"`
	End   int    `yaml:"end" json:"end"`
}

// StaticClassLabeler picks the rule covering the most of the position set.
// Ties keep the earlier rule; no overlap yields an empty tag.
type StaticClassLabeler []ClassRule

func (s StaticClassLabeler) Label(ctx context.Context, positions []int) (string, error) {
	_ = ctx
	best, bestHits := "", 0
	for _, rule := range s {
		hits := 0
		for _, p := range positions {
			if p >= rule.Start && p < rule.End {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.Name, hits
		}
	}
	return best, nil
}
