package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/scoring/mock"
	"github.com/kestlerbio/epilens/internal/testutil"
)

const (
	antibody = "EVQLVESGGGLVQPGGSLRLSCAASGFT"
	antigen  = "NITNLCPFGEVFNATRFASVYAWNRKRI"
)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return New(mock.New(), "binding", testutil.Logger(t), Options{Steps: 8, Workers: 2})
}

func request() *Request {
	return &Request{
		Antibody: SequenceInput{ID: "ab-1", Sequence: antibody},
		Target:   SequenceInput{ID: "wt", Sequence: antigen},
	}
}

func TestAnalyze_RecordShape(t *testing.T) {
	a := newAnalyzer(t)
	req := request()
	req.Regions = []RegionSpec{{Name: "CDR-H1", Start: 25, End: 28}}

	rec, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := rec.Check(); err != nil {
		t.Fatalf("record check: %v", err)
	}
	if len(rec.Paratope.Scores) != len(antibody) {
		t.Fatalf("paratope len=%d want %d", len(rec.Paratope.Scores), len(antibody))
	}
	if len(rec.Epitope.Scores) != len(antigen) {
		t.Fatalf("epitope len=%d want %d", len(rec.Epitope.Scores), len(antigen))
	}
	if rec.Synergy == nil {
		t.Fatal("missing synergy record")
	}
	if got, want := len(rec.Synergy.Values), 15; got != want {
		t.Fatalf("synergy rows=%d want %d", got, want)
	}
	if got, want := len(rec.Synergy.Values[0]), 10; got != want {
		t.Fatalf("synergy cols=%d want %d", got, want)
	}
	if len(rec.Regions) != 1 || rec.Regions[0].Name != "CDR-H1" {
		t.Fatalf("regions = %+v", rec.Regions)
	}
	if rec.RunID == "" || rec.UnitID == "" {
		t.Fatal("missing ids")
	}
}

func TestAnalyze_PanelConsensusFeedsCandidates(t *testing.T) {
	a := newAnalyzer(t)
	req := request()
	req.Panel = []SequenceInput{
		{ID: "wt", Sequence: antigen},
		{ID: "v1", Sequence: strings.Replace(antigen, "N", "K", 1)},
		{ID: "v2", Sequence: antigen[:len(antigen)-2]},
	}

	rec, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rec.Panel == nil {
		t.Fatal("missing panel summary")
	}
	if len(rec.Panel.Variants) != 3 {
		t.Fatalf("variants=%d want 3", len(rec.Panel.Variants))
	}
	if rec.Panel.Width < len(antigen) {
		t.Fatalf("alignment width %d shorter than reference %d", rec.Panel.Width, len(antigen))
	}
	for _, p := range rec.Synergy.EpitopePositions {
		if p < 0 || p >= len(antigen) {
			t.Fatalf("epitope candidate %d outside target bounds", p)
		}
	}
}

func TestAnalyze_ExternalImportanceLengthChecked(t *testing.T) {
	a := newAnalyzer(t)
	req := request()
	req.ExternalImportance = []float64{1, 2, 3}

	if _, err := a.Analyze(context.Background(), req); !faults.IsKind(err, faults.KindInput) {
		t.Fatalf("err=%v want input fault", err)
	}
}

func TestAnalyze_BlendedCandidates(t *testing.T) {
	// alpha 0 means the external signal decides the candidates by itself.
	a := New(mock.New(), "binding", testutil.Logger(t), Options{
		Steps:         8,
		Workers:       2,
		BlendingAlpha: 0,
		ParatopeTopK:  1,
	})
	req := request()
	ext := make([]float64, len(antibody))
	ext[7] = 100
	req.ExternalImportance = ext

	rec, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(rec.Synergy.ParatopePositions) != 1 || rec.Synergy.ParatopePositions[0] != 7 {
		t.Fatalf("paratope candidates = %v, want [7]", rec.Synergy.ParatopePositions)
	}
}

func TestOptions_ZeroAlphaSurvivesDefaults(t *testing.T) {
	opt := Options{BlendingAlpha: 0}.withDefaults()
	if opt.BlendingAlpha != 0 {
		t.Fatalf("alpha=%v want 0", opt.BlendingAlpha)
	}
	opt = Options{BlendingAlpha: 1.5}.withDefaults()
	if opt.BlendingAlpha != 1 {
		t.Fatalf("alpha=%v want 1", opt.BlendingAlpha)
	}
}

func TestAnalyzeLibrary_OneSlotPerRequest(t *testing.T) {
	a := newAnalyzer(t)
	reqs := []Request{
		*request(),
		{Antibody: SequenceInput{ID: "ab-2", Sequence: "EVQ#LV"}, Target: SequenceInput{ID: "wt", Sequence: antigen}},
		*request(),
	}

	results, err := a.AnalyzeLibrary(context.Background(), reqs)
	if err != nil {
		t.Fatalf("AnalyzeLibrary: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("slots=%d want 3", len(results))
	}
	if results[0].Record == nil || results[0].Err != nil {
		t.Fatalf("slot 0 = %+v, want success", results[0])
	}
	if results[1].Err == nil || results[1].Record != nil {
		t.Fatalf("slot 1 = %+v, want error", results[1])
	}
	if results[1].Err.Kind != "input" {
		t.Fatalf("slot 1 kind=%q want input", results[1].Err.Kind)
	}
	if results[2].Record == nil {
		t.Fatalf("slot 2 = %+v, want success", results[2])
	}
}

func TestRequest_NormalizeRejectsBadRegions(t *testing.T) {
	req := request()
	req.Regions = []RegionSpec{{Name: "bad", Start: 10, End: 5}}
	if err := req.Normalize(); !faults.IsKind(err, faults.KindInput) {
		t.Fatalf("err=%v want input fault", err)
	}
}

func TestStaticClassLabeler_BestOverlap(t *testing.T) {
	l := StaticClassLabeler{
		{Name: "class-1", Start: 0, End: 10},
		{Name: "class-2", Start: 10, End: 30},
	}
	tag, err := l.Label(context.Background(), []int{11, 12, 2})
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if tag != "class-2" {
		t.Fatalf("tag=%q want class-2", tag)
	}
	tag, _ = l.Label(context.Background(), []int{99})
	if tag != "" {
		t.Fatalf("tag=%q want empty", tag)
	}
}
