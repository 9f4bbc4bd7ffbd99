// Package ort runs the predictor locally through ONNX Runtime. Two exported
// graphs are expected: an embedding graph (input_ids -> embeddings) and a
// scorer graph that was exported with its backward pass baked in
// (embeddings, token_type_ids, attention_mask, head -> scores,
// embedding_grads). The tokenizer is the training-time tokenizer.json.
package ort

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/seq"
)

var ortEnv struct {
	mu   sync.Mutex
	refs int
}

func acquireEnvironment(libraryPath string) error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	if ortEnv.refs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	ortEnv.refs++
	return nil
}

func releaseEnvironment() {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	if ortEnv.refs == 0 {
		return
	}
	ortEnv.refs--
	if ortEnv.refs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

type Backend struct {
	tk         *tokenizer.Tokenizer
	embedSess  *ort.DynamicAdvancedSession
	scorerSess *ort.DynamicAdvancedSession

	heads     []scoring.Head
	headIndex map[scoring.Head]int64

	mu     sync.Mutex
	closed bool
}

func New(cfg config.BackendConfig) (*Backend, error) {
	if len(cfg.Heads) == 0 {
		return nil, errors.New("ort: heads required")
	}
	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("ort: load tokenizer: %w", err)
	}

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("ort: init environment: %w", err)
	}

	embedSess, err := ort.NewDynamicAdvancedSession(cfg.EmbedModelPath,
		[]string{"input_ids"}, []string{"embeddings"}, nil)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("ort: open embed model: %w", err)
	}
	scorerSess, err := ort.NewDynamicAdvancedSession(cfg.ScorerModelPath,
		[]string{"embeddings", "token_type_ids", "attention_mask", "head"},
		[]string{"scores", "embedding_grads"}, nil)
	if err != nil {
		_ = embedSess.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("ort: open scorer model: %w", err)
	}

	heads := make([]scoring.Head, len(cfg.Heads))
	headIndex := make(map[scoring.Head]int64, len(cfg.Heads))
	for i, h := range cfg.Heads {
		heads[i] = scoring.Head(h)
		headIndex[scoring.Head(h)] = int64(i)
	}

	return &Backend{
		tk:         tk,
		embedSess:  embedSess,
		scorerSess: scorerSess,
		heads:      heads,
		headIndex:  headIndex,
	}, nil
}

// Close releases both sessions and the runtime environment.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var first error
	if err := b.embedSess.Destroy(); err != nil {
		first = err
	}
	if err := b.scorerSess.Destroy(); err != nil && first == nil {
		first = err
	}
	releaseEnvironment()
	return first
}

func (b *Backend) Heads(ctx context.Context) ([]scoring.Head, error) {
	_ = ctx
	out := make([]scoring.Head, len(b.heads))
	copy(out, b.heads)
	return out, nil
}

func (b *Backend) headID(head scoring.Head) (int64, error) {
	id, ok := b.headIndex[head]
	if !ok {
		return 0, faults.Config("ort.head", "head %q not in exported set %v", head, b.heads)
	}
	return id, nil
}

func (b *Backend) Tokenize(ctx context.Context, pairs []seq.Pair) ([]scoring.Tokenization, error) {
	_ = ctx
	out := make([]scoring.Tokenization, len(pairs))
	for i, p := range pairs {
		toks, err := b.encodePair(p)
		if err != nil {
			return nil, err
		}
		out[i] = scoring.Tokenization{Tokens: toks}
	}
	return out, nil
}

func (b *Backend) encodePair(p seq.Pair) ([]scoring.Token, error) {
	ab := tokenizer.NewInputSequence(p.Antibody)
	ag := tokenizer.NewInputSequence(p.Antigen)
	enc, err := b.tk.Encode(tokenizer.NewDualEncodeInput(ab, ag), true)
	if err != nil {
		return nil, fmt.Errorf("ort: encode: %w", err)
	}
	return tokensFromEncoding(enc)
}

func tokensFromEncoding(enc *tokenizer.Encoding) ([]scoring.Token, error) {
	n := len(enc.Ids)
	if len(enc.TypeIds) != n || len(enc.Offsets) != n || len(enc.SpecialTokenMask) != n || len(enc.Tokens) != n {
		return nil, fmt.Errorf("ort: ragged encoding (ids=%d type=%d offsets=%d special=%d tokens=%d)",
			n, len(enc.TypeIds), len(enc.Offsets), len(enc.SpecialTokenMask), len(enc.Tokens))
	}
	out := make([]scoring.Token, n)
	for i := 0; i < n; i++ {
		t := scoring.Token{ID: enc.Ids[i], Text: enc.Tokens[i], Start: -1, End: -1, Segment: scoring.SegmentSpecial}
		if enc.SpecialTokenMask[i] == 0 {
			if enc.TypeIds[i] == 0 {
				t.Segment = scoring.SegmentAntibody
			} else {
				t.Segment = scoring.SegmentAntigen
			}
			if len(enc.Offsets[i]) == 2 {
				t.Start, t.End = enc.Offsets[i][0], enc.Offsets[i][1]
			}
		}
		out[i] = t
	}
	return out, nil
}

func (b *Backend) Embed(ctx context.Context, pairs []seq.Pair) ([]scoring.Embedded, error) {
	if len(pairs) == 0 {
		return []scoring.Embedded{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := make([][]scoring.Token, len(pairs))
	maxLen := 0
	for i, p := range pairs {
		toks, err := b.encodePair(p)
		if err != nil {
			return nil, err
		}
		tokens[i] = toks
		if len(toks) > maxLen {
			maxLen = len(toks)
		}
	}

	ids := make([]int64, len(pairs)*maxLen)
	for i, toks := range tokens {
		for j, t := range toks {
			ids[i*maxLen+j] = int64(t.ID)
		}
	}
	idTensor, err := ort.NewTensor(ort.NewShape(int64(len(pairs)), int64(maxLen)), ids)
	if err != nil {
		return nil, fmt.Errorf("ort: input_ids tensor: %w", err)
	}
	defer idTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := b.runEmbed([]ort.Value{idTensor}, outputs); err != nil {
		return nil, fmt.Errorf("ort: embed run: %w", err)
	}
	embT, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("ort: embeddings output is not float32")
	}
	defer embT.Destroy()

	shape := embT.GetShape()
	if len(shape) != 3 || int(shape[0]) != len(pairs) || int(shape[1]) != maxLen {
		return nil, fmt.Errorf("ort: embeddings shape %v for batch %dx%d", shape, len(pairs), maxLen)
	}
	dims := int(shape[2])
	data := embT.GetData()

	out := make([]scoring.Embedded, len(pairs))
	for i, toks := range tokens {
		reps := make([][]float32, len(toks))
		for j := range toks {
			row := make([]float32, dims)
			copy(row, data[(i*maxLen+j)*dims:(i*maxLen+j+1)*dims])
			reps[j] = row
		}
		out[i] = scoring.Embedded{Tokens: toks, Reps: reps}
	}
	return out, nil
}

func (b *Backend) Score(ctx context.Context, pairs []seq.Pair, head scoring.Head) ([]float64, error) {
	if len(pairs) == 0 {
		return []float64{}, nil
	}
	emb, err := b.Embed(ctx, pairs)
	if err != nil {
		return nil, err
	}
	points := make([]scoring.GradientPoint, len(emb))
	for i, e := range emb {
		points[i] = scoring.GradientPoint{Tokens: e.Tokens, Reps: e.Reps}
	}
	grads, err := b.Gradients(ctx, points, head)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(grads))
	for i, g := range grads {
		out[i] = g.Score
	}
	return out, nil
}

func (b *Backend) Gradients(ctx context.Context, points []scoring.GradientPoint, head scoring.Head) ([]scoring.PointGradients, error) {
	if len(points) == 0 {
		return []scoring.PointGradients{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	headID, err := b.headID(head)
	if err != nil {
		return nil, err
	}

	batch, err := packPoints(points)
	if err != nil {
		return nil, err
	}

	embTensor, err := ort.NewTensor(ort.NewShape(int64(batch.n), int64(batch.maxLen), int64(batch.dims)), batch.embeddings)
	if err != nil {
		return nil, fmt.Errorf("ort: embeddings tensor: %w", err)
	}
	defer embTensor.Destroy()
	typeTensor, err := ort.NewTensor(ort.NewShape(int64(batch.n), int64(batch.maxLen)), batch.typeIDs)
	if err != nil {
		return nil, fmt.Errorf("ort: token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()
	maskTensor, err := ort.NewTensor(ort.NewShape(int64(batch.n), int64(batch.maxLen)), batch.attention)
	if err != nil {
		return nil, fmt.Errorf("ort: attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	headTensor, err := ort.NewTensor(ort.NewShape(1), []int64{headID})
	if err != nil {
		return nil, fmt.Errorf("ort: head tensor: %w", err)
	}
	defer headTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := b.runScorer([]ort.Value{embTensor, typeTensor, maskTensor, headTensor}, outputs); err != nil {
		return nil, fmt.Errorf("ort: scorer run: %w", err)
	}
	scoreT, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("ort: scores output is not float32")
	}
	defer scoreT.Destroy()
	gradT, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("ort: embedding_grads output is not float32")
	}
	defer gradT.Destroy()

	scores := scoreT.GetData()
	if err := scoring.CheckCount("ort.scores", len(scores), batch.n); err != nil {
		return nil, err
	}
	gshape := gradT.GetShape()
	if len(gshape) != 3 || int(gshape[0]) != batch.n || int(gshape[1]) != batch.maxLen || int(gshape[2]) != batch.dims {
		return nil, fmt.Errorf("ort: embedding_grads shape %v for batch %dx%dx%d", gshape, batch.n, batch.maxLen, batch.dims)
	}
	gdata := gradT.GetData()

	out := make([]scoring.PointGradients, len(points))
	for i, pt := range points {
		grads := make([][]float32, len(pt.Reps))
		for j := range pt.Reps {
			row := make([]float32, batch.dims)
			copy(row, gdata[(i*batch.maxLen+j)*batch.dims:(i*batch.maxLen+j+1)*batch.dims])
			grads[j] = row
		}
		out[i] = scoring.PointGradients{Score: float64(scores[i]), Grads: grads}
	}
	return out, nil
}

// Run wrappers are serialized; a single ORT session run already saturates
// the configured intra-op threads.
func (b *Backend) runEmbed(inputs, outputs []ort.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("ort: backend closed")
	}
	return b.embedSess.Run(inputs, outputs)
}

func (b *Backend) runScorer(inputs, outputs []ort.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("ort: backend closed")
	}
	return b.scorerSess.Run(inputs, outputs)
}
