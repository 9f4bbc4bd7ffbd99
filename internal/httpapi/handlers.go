// Package httpapi exposes the analysis engine over HTTP: submit an
// analysis or a library, fetch stored artifacts, and run interactive
// single-pair attributions.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kestlerbio/epilens/internal/analysis"
	"github.com/kestlerbio/epilens/internal/attribution"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/residue"
	"github.com/kestlerbio/epilens/internal/seq"
	"github.com/kestlerbio/epilens/internal/store"
)

type Handler struct {
	Analyzer *analysis.Analyzer
	Store    store.Store
	Log      *logger.Logger
}

func NewHandler(a *analysis.Analyzer, st store.Store, log *logger.Logger) *Handler {
	return &Handler{Analyzer: a, Store: st, Log: log.With("component", "httpapi")}
}

func (h *Handler) Health(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

// Ready probes the scoring backend; a deployment whose model server is down
// reports unready instead of failing requests one by one.
func (h *Handler) Ready(c *gin.Context) {
	if _, err := h.Analyzer.Scorer.Heads(c.Request.Context()); err != nil {
		respondError(c, faults.Wrap(faults.KindResource, "httpapi.ready", err))
		return
	}
	respondOK(c, gin.H{"status": "ready", "head": string(h.Analyzer.Head)})
}

func (h *Handler) CreateAnalysis(c *gin.Context) {
	var req analysis.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, faults.Wrap(faults.KindInput, "httpapi.analyses", err))
		return
	}
	rec, err := h.Analyzer.Analyze(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rec)
}

type libraryRequest struct {
	Requests []analysis.Request `json:"requests"`
}

func (h *Handler) CreateLibrary(c *gin.Context) {
	var req libraryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, faults.Wrap(faults.KindInput, "httpapi.library", err))
		return
	}
	results, err := h.Analyzer.AnalyzeLibrary(c.Request.Context(), req.Requests)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"results": results})
}

func (h *Handler) GetAnalysis(c *gin.Context) {
	if h.Store == nil {
		respondError(c, faults.Config("httpapi.analyses", "no store configured"))
		return
	}
	rec, err := h.Store.GetByUnitID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, ErrorEnvelope{Error: APIError{Message: "analysis not found", Code: "not_found"}})
		return
	}
	respondOK(c, rec)
}

func (h *Handler) ListAnalyses(c *gin.Context) {
	if h.Store == nil {
		respondError(c, faults.Config("httpapi.analyses", "no store configured"))
		return
	}
	ctx := c.Request.Context()
	if runID := strings.TrimSpace(c.Query("run")); runID != "" {
		recs, err := h.Store.ListByRunID(ctx, runID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"analyses": recs})
		return
	}
	antibodyID := strings.TrimSpace(c.Query("antibody"))
	if antibodyID == "" {
		respondError(c, faults.Input("httpapi.analyses", "query needs run or antibody"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.Store.ListByAntibody(ctx, antibodyID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"analyses": recs})
}

type attributionRequest struct {
	Antibody string `json:"antibody"`
	Antigen  string `json:"antigen"`
}

type attributionResponse struct {
	ScoreInput      float64   `json:"score_input"`
	ScoreBaseline   float64   `json:"score_baseline"`
	Paratope        []float64 `json:"paratope"`
	Epitope         []float64 `json:"epitope"`
	CompletenessErr float64   `json:"completeness_err"`
	Flagged         bool      `json:"flagged"`
}

// CreateAttribution explains a single pair without the full pipeline, the
// interactive path for exploratory use.
func (h *Handler) CreateAttribution(c *gin.Context) {
	var req attributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, faults.Wrap(faults.KindInput, "httpapi.attributions", err))
		return
	}
	ab, err := seq.Normalize(req.Antibody)
	if err != nil {
		respondError(c, err)
		return
	}
	ag, err := seq.Normalize(req.Antigen)
	if err != nil {
		respondError(c, err)
		return
	}
	pair, err := seq.NewPair(ab, ag)
	if err != nil {
		respondError(c, err)
		return
	}
	vecs, err := h.Analyzer.Attr.Attribute(c.Request.Context(), []attribution.Request{{Pair: pair}}, h.Analyzer.Head)
	if err != nil {
		respondError(c, err)
		return
	}
	prof, err := residue.Aggregate(vecs[0].Tokens, vecs[0].Scores, len(pair.Antibody), len(pair.Antigen))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, attributionResponse{
		ScoreInput:      vecs[0].ScoreInput,
		ScoreBaseline:   vecs[0].ScoreBaseline,
		Paratope:        prof.Antibody,
		Epitope:         prof.Antigen,
		CompletenessErr: vecs[0].CompletenessErr,
		Flagged:         vecs[0].Flagged,
	})
}
