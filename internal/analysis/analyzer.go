package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kestlerbio/epilens/internal/align"
	"github.com/kestlerbio/epilens/internal/artifact"
	"github.com/kestlerbio/epilens/internal/attribution"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/observability"
	"github.com/kestlerbio/epilens/internal/panel"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/residue"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
	"github.com/kestlerbio/epilens/internal/store"
	"github.com/kestlerbio/epilens/internal/structural"
	"github.com/kestlerbio/epilens/internal/synergy"
)

// Options are the per-deployment analysis knobs, validated by the config
// layer before an Analyzer exists.
type Options struct {
	Steps        int
	Substitution byte

	ParatopeTopK int
	EpitopeTopK  int
	PrecisionK   int

	// BlendingAlpha weights engine importance against an externally supplied
	// signal when picking paratope candidates; 1 means engine-only, 0 means
	// external-only. Values outside [0,1] fall back to 1.
	BlendingAlpha float64

	ContactThreshold     float64
	MinStructureIdentity float64

	Workers     int
	UnitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Steps < 1 {
		o.Steps = attribution.DefaultSteps
	}
	if o.Substitution == 0 {
		o.Substitution = 'A'
	}
	if o.ParatopeTopK < 1 {
		o.ParatopeTopK = 15
	}
	if o.EpitopeTopK < 1 {
		o.EpitopeTopK = 10
	}
	if o.PrecisionK < 1 {
		o.PrecisionK = 10
	}
	if o.BlendingAlpha < 0 || o.BlendingAlpha > 1 {
		o.BlendingAlpha = 1
	}
	if o.ContactThreshold <= 0 {
		o.ContactThreshold = structural.DefaultContactThreshold
	}
	if o.MinStructureIdentity <= 0 {
		o.MinStructureIdentity = structural.DefaultMinIdentity
	}
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	return o
}

// Analyzer runs the full explanation pipeline. Built once at wiring time;
// the scorer handle is shared read-only across every concurrent unit.
type Analyzer struct {
	Scorer  scoring.Scorer
	Head    scoring.Head
	Attr    *attribution.Engine
	Panel   *panel.Aggregator
	Synergy *synergy.Engine

	Regions RegionAnnotator
	Classes ClassLabeler
	Store   store.Store

	Log *logger.Logger
	Opt Options
}

// New assembles the pipeline around one scorer and one resolved head.
func New(scorer scoring.Scorer, head scoring.Head, log *logger.Logger, opt Options) *Analyzer {
	opt = opt.withDefaults()
	attr := attribution.NewEngine(scorer, log, opt.Steps)
	pa := panel.NewAggregator(attr, align.Star{}, log.With("component", "panel"))
	pa.Workers = opt.Workers
	pa.UnitTimeout = opt.UnitTimeout
	pa.TopK = opt.EpitopeTopK
	return &Analyzer{
		Scorer:  scorer,
		Head:    head,
		Attr:    attr,
		Panel:   pa,
		Synergy: synergy.NewEngine(scorer, log.With("component", "synergy"), opt.Substitution),
		Log:     log.With("component", "analysis"),
		Opt:     opt,
	}
}

// Analyze explains one antibody against one target, with the optional panel
// and structure widening from the request.
func (a *Analyzer) Analyze(ctx context.Context, req *Request) (*artifact.Record, error) {
	if a.Scorer == nil || a.Attr == nil || a.Panel == nil || a.Synergy == nil || a.Log == nil {
		return nil, faults.Config("analysis.analyze", "missing deps")
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	opt := a.Opt.withDefaults()

	pair, err := seq.NewPair(req.Antibody.Sequence, req.Target.Sequence)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rec := &artifact.Record{
		RunID:      runID,
		UnitID:     uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		AntibodyID: req.Antibody.ID,
		TargetID:   req.Target.ID,
		Head:       string(a.Head),
		Antibody:   pair.Antibody,
		Antigen:    pair.Antigen,
	}

	// 1) Attribution against the target, collapsed to residue profiles.
	sctx, span := observability.StartSpan(ctx, "analysis.attribution")
	vecs, err := a.Attr.Attribute(sctx, []attribution.Request{{Pair: pair}}, a.Head)
	span.End()
	if err != nil {
		return nil, err
	}
	vec := vecs[0]
	rec.ScoreInput = vec.ScoreInput
	rec.ScoreBaseline = vec.ScoreBaseline
	if vec.Flagged {
		rec.Flags = append(rec.Flags, "completeness_deviation")
	}

	prof, err := residue.Aggregate(vec.Tokens, vec.Scores, len(pair.Antibody), len(pair.Antigen))
	if err != nil {
		return nil, err
	}

	paratopeCands := a.paratopeCandidates(prof.Antibody, req.ExternalImportance, opt)
	if rec.Paratope, err = artifact.NewProfile(pair.Antibody, prof.Antibody, paratopeCands); err != nil {
		return nil, err
	}
	if rec.Epitope, err = artifact.NewProfile(pair.Antigen, prof.Antigen, residue.Top(prof.Antigen, opt.EpitopeTopK)); err != nil {
		return nil, err
	}
	if err := a.sliceRegions(ctx, req, prof.Antibody, rec); err != nil {
		return nil, err
	}

	// 2) Panel fan-out and consensus, when variants were supplied.
	epitopeCands := rec.Epitope.Top
	if pm := req.PanelMap(); pm != nil {
		sctx, span := observability.StartSpan(ctx, "analysis.panel")
		pi, err := a.Panel.Aggregate(sctx, pair.Antibody, pm, req.Target.ID, a.Head)
		span.End()
		if err != nil {
			return nil, err
		}
		if len(pi.Failed()) > 0 {
			rec.Flags = append(rec.Flags, "panel_partial")
		}
		classTag := req.ClassTag
		if classTag == "" && a.Classes != nil {
			if classTag, err = a.Classes.Label(ctx, pi.Top); err != nil {
				return nil, err
			}
		}
		if rec.Panel, err = artifact.FromPanel(pi, classTag); err != nil {
			return nil, err
		}
		epitopeCands = consensusPositions(pi, req.Target.ID, epitopeCands, opt.EpitopeTopK)
	}

	// 3) Double-mutant cycle over the candidates.
	sctx, span = observability.StartSpan(ctx, "analysis.synergy")
	matrix, err := a.Synergy.Build(sctx, pair, paratopeCands, epitopeCands, a.Head)
	span.End()
	if err != nil {
		return nil, err
	}
	if rec.Synergy, err = artifact.FromMatrix(matrix, opt.PrecisionK); err != nil {
		return nil, err
	}

	// 4) Structural cross-check, when a structure was supplied.
	if req.Structure != nil {
		sctx, span := observability.StartSpan(ctx, "analysis.structural")
		err := a.validateStructure(sctx, req.Structure, matrix, prof, rec, opt)
		span.End()
		if err != nil {
			return nil, err
		}
	}

	if err := rec.Check(); err != nil {
		return nil, err
	}
	if a.Store != nil {
		if err := a.Store.Save(ctx, rec); err != nil {
			return nil, err
		}
	}
	a.Log.Info("analysis unit done",
		"run_id", rec.RunID, "unit_id", rec.UnitID,
		"antibody_id", rec.AntibodyID, "target_id", rec.TargetID,
		"panel_size", len(req.Panel), "flags", rec.Flags)
	return rec, nil
}

// paratopeCandidates ranks antibody positions for the cycle, blending in an
// external signal when one was supplied and alpha leaves it any weight.
func (a *Analyzer) paratopeCandidates(engine []float64, external []float64, opt Options) []int {
	if len(external) != len(engine) || opt.BlendingAlpha >= 1 {
		return residue.Top(engine, opt.ParatopeTopK)
	}
	blended := make([]float64, len(engine))
	for i := range engine {
		blended[i] = opt.BlendingAlpha*engine[i] + (1-opt.BlendingAlpha)*external[i]
	}
	return residue.Top(blended, opt.ParatopeTopK)
}

func (a *Analyzer) sliceRegions(ctx context.Context, req *Request, paratope []float64, rec *artifact.Record) error {
	specs := req.Regions
	if len(specs) == 0 && a.Regions != nil {
		var err error
		if specs, err = a.Regions.Regions(ctx, req.Antibody.Sequence); err != nil {
			return err
		}
	}
	for _, sp := range specs {
		reg, err := artifact.SliceRegion(sp.Name, sp.Start, sp.End, paratope)
		if err != nil {
			return err
		}
		rec.Regions = append(rec.Regions, reg)
	}
	return nil
}

// consensusPositions maps top consensus columns back onto target positions.
// Columns where the target is gapped are skipped; the target-profile ranking
// tops up whatever the consensus could not supply.
func consensusPositions(pi *panel.Importance, targetID string, fallback []int, k int) []int {
	var target *panel.Variant
	for i := range pi.Variants {
		if pi.Variants[i].ID == targetID && pi.Variants[i].Err == nil {
			target = &pi.Variants[i]
			break
		}
	}
	if target == nil {
		return fallback
	}
	colToPos := make(map[int]int, len(target.Columns))
	for pos, col := range target.Columns {
		colToPos[col] = pos
	}
	out := make([]int, 0, k)
	used := make(map[int]bool, k)
	for _, col := range pi.Top {
		if pos, ok := colToPos[col]; ok && !used[pos] {
			out = append(out, pos)
			used[pos] = true
		}
		if len(out) == k {
			return out
		}
	}
	for _, pos := range fallback {
		if !used[pos] {
			out = append(out, pos)
			used[pos] = true
		}
		if len(out) == k {
			break
		}
	}
	return out
}

func (a *Analyzer) validateStructure(ctx context.Context, spec *StructureSpec, matrix *synergy.Matrix, prof residue.Profiles, rec *artifact.Record, opt Options) error {
	_ = ctx
	pdb, err := structural.LoadPDB(spec.Path)
	if err != nil {
		return err
	}
	v := structural.NewValidator(pdb, a.Log.With("component", "structural"))
	v.ContactThreshold = opt.ContactThreshold
	v.MinIdentity = opt.MinStructureIdentity

	rep, err := v.Validate(matrix, spec.AntibodyChain, spec.AntigenChain)
	if err != nil {
		return err
	}
	if rep.AntibodyErr != nil {
		rec.Flags = append(rec.Flags, "structural_antibody_unmapped")
	}
	if rep.AntigenErr != nil {
		rec.Flags = append(rec.Flags, "structural_antigen_unmapped")
	}

	prec := rep.PrecisionAtK(matrix, opt.PrecisionK)

	var anns []structural.Annotation
	if rep.Antibody != nil {
		weights := weightsAt(prof.Antibody, rec.Paratope.Top)
		aa, err := structural.WeightAnnotations("antibody", rep.Antibody, rec.Paratope.Top, weights)
		if err != nil {
			return err
		}
		anns = append(anns, aa...)
	}
	if rep.Antigen != nil {
		weights := weightsAt(prof.Antigen, rec.Epitope.Top)
		aa, err := structural.WeightAnnotations("antigen", rep.Antigen, rec.Epitope.Top, weights)
		if err != nil {
			return err
		}
		anns = append(anns, aa...)
	}

	rec.Structural = artifact.FromReport(rep, opt.ContactThreshold, &prec, anns)
	return nil
}

func weightsAt(profile []float64, positions []int) []float64 {
	out := make([]float64, len(positions))
	for i, p := range positions {
		if p >= 0 && p < len(profile) {
			out[i] = profile[p]
		}
	}
	return out
}

// Result is one library slot: the record or a structured error, never both.
type Result struct {
	AntibodyID string              `json:"antibody_id"`
	TargetID   string              `json:"target_id"`
	Record     *artifact.Record    `json:"record,omitempty"`
	Err        *artifact.UnitError `json:"error,omitempty"`
}

// AnalyzeLibrary runs many units under the bounded scheduler. The returned
// slice always has one slot per request. Only a failed pre-flight (backend
// unreachable) aborts the run itself.
func (a *Analyzer) AnalyzeLibrary(ctx context.Context, reqs []Request) ([]Result, error) {
	if _, err := a.Scorer.Heads(ctx); err != nil {
		return nil, faults.Wrap(faults.KindResource, "analysis.preflight", err)
	}

	results := make([]Result, len(reqs))
	sched := &Scheduler{Workers: a.Opt.Workers, UnitTimeout: a.Opt.UnitTimeout, Log: a.Log}
	errs := sched.Run(ctx, len(reqs), func(uctx context.Context, i int) error {
		rec, err := a.Analyze(uctx, &reqs[i])
		if err != nil {
			return err
		}
		results[i].Record = rec
		return nil
	})
	for i := range results {
		results[i].AntibodyID = reqs[i].Antibody.ID
		results[i].TargetID = reqs[i].Target.ID
		if errs[i] != nil {
			results[i].Err = artifact.NewUnitError(errs[i])
		}
	}
	return results, nil
}
