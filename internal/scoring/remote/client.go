// Package remote adapts an HTTP model server to the scoring interface. The
// server owns the trained predictor; this client only moves batches across
// the wire and enforces the index-alignment contract on the way back.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

const (
	headsPath     = "/v1/heads"
	scorePath     = "/v1/score"
	tokenizePath  = "/v1/tokenize"
	embedPath     = "/v1/embed"
	gradientsPath = "/v1/gradients"
)

type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int

	httpClient *http.Client
}

func New(cfg config.BackendConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base_url required")
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// NewWithHTTPClient is intended for tests; it avoids network access by using a custom RoundTripper.
func NewWithHTTPClient(cfg config.BackendConfig, httpClient *http.Client) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

// ---------------- Wire types ----------------

type wirePair struct {
	Antibody string `json:"antibody"`
	Antigen  string `json:"antigen"`
}

type wireToken struct {
	ID      int    `json:"id"`
	Text    string `json:"text"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Segment string `json:"segment"`
}

type headsResponse struct {
	Heads []string `json:"heads"`
}

type scoreRequest struct {
	Head  string     `json:"head"`
	Pairs []wirePair `json:"pairs"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

type tokenizeRequest struct {
	Pairs []wirePair `json:"pairs"`
}

type tokenizeResponse struct {
	Tokenizations []struct {
		Tokens []wireToken `json:"tokens"`
	} `json:"tokenizations"`
}

type embedRequest struct {
	Pairs []wirePair `json:"pairs"`
}

type embedResponse struct {
	Embeddings []struct {
		Tokens []wireToken `json:"tokens"`
		Reps   [][]float32 `json:"reps"`
	} `json:"embeddings"`
}

type gradientsRequest struct {
	Head   string `json:"head"`
	Points []struct {
		Tokens []wireToken `json:"tokens"`
		Reps   [][]float32 `json:"reps"`
	} `json:"points"`
}

type gradientsResponse struct {
	Points []struct {
		Score float64     `json:"score"`
		Grads [][]float32 `json:"grads"`
	} `json:"points"`
}

func toWirePairs(pairs []seq.Pair) []wirePair {
	out := make([]wirePair, len(pairs))
	for i, p := range pairs {
		out[i] = wirePair{Antibody: p.Antibody, Antigen: p.Antigen}
	}
	return out
}

func fromWireTokens(ts []wireToken) ([]scoring.Token, error) {
	out := make([]scoring.Token, len(ts))
	for i, t := range ts {
		seg, err := segmentFromString(t.Segment)
		if err != nil {
			return nil, err
		}
		out[i] = scoring.Token{ID: t.ID, Text: t.Text, Start: t.Start, End: t.End, Segment: seg}
	}
	return out, nil
}

func toWireTokens(ts []scoring.Token) []wireToken {
	out := make([]wireToken, len(ts))
	for i, t := range ts {
		out[i] = wireToken{ID: t.ID, Text: t.Text, Start: t.Start, End: t.End, Segment: t.Segment.String()}
	}
	return out
}

func segmentFromString(s string) (scoring.Segment, error) {
	switch s {
	case "antibody":
		return scoring.SegmentAntibody, nil
	case "antigen":
		return scoring.SegmentAntigen, nil
	case "special":
		return scoring.SegmentSpecial, nil
	default:
		return 0, faults.Resource("remote.tokens", "unknown segment %q", s)
	}
}

// ---------------- Scorer implementation ----------------

func (c *Client) Heads(ctx context.Context) ([]scoring.Head, error) {
	var resp headsResponse
	if err := c.doJSON(ctx, "GET", headsPath, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]scoring.Head, len(resp.Heads))
	for i, h := range resp.Heads {
		out[i] = scoring.Head(h)
	}
	return out, nil
}

func (c *Client) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	if len(pairs) == 0 {
		return []float64{}, nil
	}
	var resp scoreResponse
	if err := c.doJSON(ctx, "POST", scorePath, scoreRequest{Head: string(head), Pairs: toWirePairs(pairs)}, &resp); err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("remote.score", len(resp.Scores), len(pairs)); err != nil {
		return nil, err
	}
	return resp.Scores, nil
}

func (c *Client) Tokenize(ctx context.Context, pairs []seq.Pair) ([]scoring.Tokenization, error) {
	if len(pairs) == 0 {
		return []scoring.Tokenization{}, nil
	}
	var resp tokenizeResponse
	if err := c.doJSON(ctx, "POST", tokenizePath, tokenizeRequest{Pairs: toWirePairs(pairs)}, &resp); err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("remote.tokenize", len(resp.Tokenizations), len(pairs)); err != nil {
		return nil, err
	}
	out := make([]scoring.Tokenization, len(resp.Tokenizations))
	for i, t := range resp.Tokenizations {
		toks, err := fromWireTokens(t.Tokens)
		if err != nil {
			return nil, err
		}
		out[i] = scoring.Tokenization{Tokens: toks}
	}
	return out, nil
}

func (c *Client) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	if len(pairs) == 0 {
		return []scoring.Embedded{}, nil
	}
	var resp embedResponse
	if err := c.doJSON(ctx, "POST", embedPath, embedRequest{Pairs: toWirePairs(pairs)}, &resp); err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("remote.embed", len(resp.Embeddings), len(pairs)); err != nil {
		return nil, err
	}
	out := make([]scoring.Embedded, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		toks, err := fromWireTokens(e.Tokens)
		if err != nil {
			return nil, err
		}
		if len(e.Reps) != len(toks) {
			return nil, faults.Resource("remote.embed", "pair %d: %d reps for %d tokens", i, len(e.Reps), len(toks))
		}
		out[i] = scoring.Embedded{Tokens: toks, Reps: e.Reps}
	}
	return out, nil
}

func (c *Client) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	if len(points) == 0 {
		return []scoring.PointGradients{}, nil
	}
	req := gradientsRequest{Head: string(head)}
	req.Points = make([]struct {
		Tokens []wireToken `json:"tokens"`
		Reps   [][]float32 `json:"reps"`
	}, len(points))
	for i, pt := range points {
		req.Points[i].Tokens = toWireTokens(pt.Tokens)
		req.Points[i].Reps = pt.Reps
	}
	var resp gradientsResponse
	if err := c.doJSON(ctx, "POST", gradientsPath, req, &resp); err != nil {
		return nil, err
	}
	if err := scoring.CheckCount("remote.gradients", len(resp.Points), len(points)); err != nil {
		return nil, err
	}
	out := make([]scoring.PointGradients, len(resp.Points))
	for i, p := range resp.Points {
		if len(p.Grads) != len(points[i].Reps) {
			return nil, faults.Resource("remote.gradients", "point %d: %d grad rows for %d reps", i, len(p.Grads), len(points[i].Reps))
		}
		out[i] = scoring.PointGradients{Score: p.Score, Grads: p.Grads}
	}
	return out, nil
}

// ---------------- HTTP helpers ----------------

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, method string, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return ctx2.Err()
		}

		req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				herr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
				if !retriable(resp.StatusCode) {
					return herr
				}
				lastErr = herr
			} else {
				if out == nil {
					return nil
				}
				return json.Unmarshal(raw, out)
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx2.Done():
				return ctx2.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return lastErr
}
