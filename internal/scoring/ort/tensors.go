package ort

import (
	"fmt"

	"github.com/kestlerbio/epilens/internal/scoring"
)

// packedBatch is a right-padded [n, maxLen, dims] view of a gradient batch.
type packedBatch struct {
	n      int
	maxLen int
	dims   int

	embeddings []float32
	typeIDs    []int64
	attention  []int64
}

// packPoints flattens gradient points into padded tensors. Padding rows get
// attention 0, so the scorer ignores them; their gradient rows are dropped
// when the batch is unpacked.
func packPoints(points []scoring.GradientPoint) (*packedBatch, error) {
	maxLen, dims := 0, 0
	for i, pt := range points {
		if len(pt.Reps) != len(pt.Tokens) {
			return nil, fmt.Errorf("ort: point %d has %d reps for %d tokens", i, len(pt.Reps), len(pt.Tokens))
		}
		if len(pt.Reps) == 0 {
			return nil, fmt.Errorf("ort: point %d is empty", i)
		}
		if len(pt.Reps) > maxLen {
			maxLen = len(pt.Reps)
		}
		for _, row := range pt.Reps {
			if dims == 0 {
				dims = len(row)
			}
			if len(row) != dims {
				return nil, fmt.Errorf("ort: point %d has ragged dims (%d vs %d)", i, len(row), dims)
			}
		}
	}

	b := &packedBatch{
		n:          len(points),
		maxLen:     maxLen,
		dims:       dims,
		embeddings: make([]float32, len(points)*maxLen*dims),
		typeIDs:    make([]int64, len(points)*maxLen),
		attention:  make([]int64, len(points)*maxLen),
	}
	for i, pt := range points {
		for j, row := range pt.Reps {
			copy(b.embeddings[(i*maxLen+j)*dims:], row)
			b.typeIDs[i*maxLen+j] = typeID(pt.Tokens, j)
			b.attention[i*maxLen+j] = 1
		}
	}
	return b, nil
}

// typeID reconstructs the segment id the exporter used: residue tokens map
// by chain, specials take the id of the next residue token, trailing
// specials close segment 1.
func typeID(tokens []scoring.Token, j int) int64 {
	if tokens[j].Segment == scoring.SegmentAntigen {
		return 1
	}
	if tokens[j].Segment == scoring.SegmentAntibody {
		return 0
	}
	for k := j + 1; k < len(tokens); k++ {
		switch tokens[k].Segment {
		case scoring.SegmentAntibody:
			return 0
		case scoring.SegmentAntigen:
			return 1
		}
	}
	return 1
}
