package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestlerbio/epilens/internal/analysis"
	"github.com/kestlerbio/epilens/internal/artifact"
	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/scoring/mock"
	"github.com/kestlerbio/epilens/internal/testutil"
)

const (
	antibody = "EVQLVESGGGLVQPGGSLRLSCAASGFT"
	antigen  = "NITNLCPFGEVFNATRFASVYAWNRKRI"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	log := testutil.Logger(t)
	a := analysis.New(mock.New(), "binding", log, analysis.Options{Steps: 8, Workers: 2})
	h := NewHandler(a, nil, log)
	return NewRouter(config.HTTPConfig{Addr: ":0", MaxRequestBytes: 1 << 20}, log, h)
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
}

func TestReady(t *testing.T) {
	r := newTestRouter(t)
	if w := doJSON(t, r, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", w.Code)
	}
}

func TestCreateAnalysis(t *testing.T) {
	r := newTestRouter(t)
	req := analysis.Request{
		Antibody: analysis.SequenceInput{ID: "ab-1", Sequence: antibody},
		Target:   analysis.SequenceInput{ID: "wt", Sequence: antigen},
	}
	w := doJSON(t, r, http.MethodPost, "/v1/analyses", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var rec artifact.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if err := rec.Check(); err != nil {
		t.Fatalf("record check: %v", err)
	}
	if len(rec.Paratope.Scores) != len(antibody) {
		t.Fatalf("paratope len=%d want %d", len(rec.Paratope.Scores), len(antibody))
	}
}

func TestCreateAnalysis_BadSequence(t *testing.T) {
	r := newTestRouter(t)
	req := analysis.Request{
		Antibody: analysis.SequenceInput{ID: "ab-1", Sequence: "@@@"},
		Target:   analysis.SequenceInput{ID: "wt", Sequence: antigen},
	}
	w := doJSON(t, r, http.MethodPost, "/v1/analyses", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", w.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Code != "input" {
		t.Fatalf("code=%q want input", env.Error.Code)
	}
}

func TestCreateAttribution(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/attributions", map[string]string{
		"antibody": antibody,
		"antigen":  antigen,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp attributionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Paratope) != len(antibody) || len(resp.Epitope) != len(antigen) {
		t.Fatalf("profile lengths %d/%d want %d/%d",
			len(resp.Paratope), len(resp.Epitope), len(antibody), len(antigen))
	}
}

func TestGetAnalysis_NoStore(t *testing.T) {
	r := newTestRouter(t)
	if w := doJSON(t, r, http.MethodGet, "/v1/analyses/some-id", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", w.Code)
	}
}

func TestCreateLibrary_SlotsMirrorRequests(t *testing.T) {
	r := newTestRouter(t)
	body := map[string]any{
		"requests": []analysis.Request{
			{
				Antibody: analysis.SequenceInput{ID: "ab-1", Sequence: antibody},
				Target:   analysis.SequenceInput{ID: "wt", Sequence: antigen},
			},
			{
				Antibody: analysis.SequenceInput{ID: "ab-2", Sequence: "!!"},
				Target:   analysis.SequenceInput{ID: "wt", Sequence: antigen},
			},
		},
	}
	w := doJSON(t, r, http.MethodPost, "/v1/libraries", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []analysis.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results=%d want 2", len(resp.Results))
	}
	if resp.Results[0].Record == nil || resp.Results[1].Err == nil {
		t.Fatalf("slots = %+v", resp.Results)
	}
}
