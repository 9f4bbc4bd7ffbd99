// Package align provides pairwise and star multiple alignment for antigen
// panels and structure chain mapping. The star strategy is the default
// Aligner; anything that can project panel members into one shared column
// system can replace it.
package align

import (
	"sort"

	"github.com/kestlerbio/epilens/internal/faults"
)

// Options are the Needleman-Wunsch scoring parameters. Linear gap cost.
type Options struct {
	Match    int
	Mismatch int
	Gap      int
}

func DefaultOptions() Options {
	return Options{Match: 2, Mismatch: -1, Gap: -2}
}

func (o Options) orDefault() Options {
	if o == (Options{}) {
		return DefaultOptions()
	}
	return o
}

// PairAlignment maps positions of sequence a onto sequence b. AToB[i] is
// the position in b aligned to a's position i, -1 where a sits against a
// gap; BToA is the inverse.
type PairAlignment struct {
	AToB    []int
	BToA    []int
	Matches int
	Aligned int
}

// Identity is the fraction of aligned (both non-gap) pairs with equal
// symbols. Zero when nothing aligned.
func (p PairAlignment) Identity() float64 {
	if p.Aligned == 0 {
		return 0
	}
	return float64(p.Matches) / float64(p.Aligned)
}

// Pairwise globally aligns a against b.
func Pairwise(a, b string, opt Options) PairAlignment {
	ops := needleman(a, b, opt.orDefault())
	p := PairAlignment{AToB: make([]int, len(a)), BToA: make([]int, len(b))}
	for i := range p.AToB {
		p.AToB[i] = -1
	}
	for i := range p.BToA {
		p.BToA[i] = -1
	}
	for _, o := range ops {
		if o.a < 0 || o.b < 0 {
			continue
		}
		p.AToB[o.a] = o.b
		p.BToA[o.b] = o.a
		p.Aligned++
		if a[o.a] == b[o.b] {
			p.Matches++
		}
	}
	return p
}

// Alignment is a set of sequences projected into one shared column system.
// Columns[id][p] is the column of sequence id's position p; columns are
// strictly increasing per sequence, in [0, Width).
type Alignment struct {
	Width   int
	Columns map[string][]int
}

// PositionAt inverts the projection for one sequence: the residue position
// sitting at column col, or -1 when the sequence has a gap there.
func (al Alignment) PositionAt(id string, col int) int {
	for p, c := range al.Columns[id] {
		if c == col {
			return p
		}
	}
	return -1
}

// Aligner projects named sequences into common coordinates. refID names the
// anchor sequence and must be one of seqs.
type Aligner interface {
	Align(refID string, seqs map[string]string) (Alignment, error)
}

// Star is a reference-anchored star alignment: every sequence is pairwise
// aligned to the reference and insertions are merged with the once-a-gap,
// always-a-gap rule, so the column system is the reference plus the widest
// insertion block observed at each junction.
type Star struct {
	Opt Options
}

func (s Star) Align(refID string, seqs map[string]string) (Alignment, error) {
	ref, ok := seqs[refID]
	if !ok {
		return Alignment{}, faults.Alignment("align.star", "reference %q not among the %d sequences", refID, len(seqs))
	}
	opt := s.Opt.orDefault()

	ids := make([]string, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// 1) Pairwise align everything to the reference and record, per
	//    junction (before ref position i, i=len(ref) meaning after the
	//    end), the widest insertion run any sequence needs there.
	n := len(ref)
	maxIns := make([]int, n+1)
	allOps := make(map[string][]op, len(seqs))
	for _, id := range ids {
		if id == refID {
			continue
		}
		ops := needleman(ref, seqs[id], opt)
		allOps[id] = ops
		run, junction := 0, 0
		for _, o := range ops {
			if o.a < 0 {
				run++
				continue
			}
			if run > maxIns[junction] {
				maxIns[junction] = run
			}
			run = 0
			junction = o.a + 1
		}
		if run > maxIns[n] {
			maxIns[n] = run
		}
	}

	// 2) Lay out columns: cum[i] insertions precede junction i, so ref
	//    position i lands at i+cum[i+1].
	cum := make([]int, n+2)
	for i := 0; i <= n; i++ {
		cum[i+1] = cum[i] + maxIns[i]
	}
	width := n + cum[n+1]

	refCol := func(i int) int { return i + cum[i+1] }
	// Insertion runs pack against the reference position that follows them.
	insCol := func(junction, runLen, r int) int {
		return junction + cum[junction] + maxIns[junction] - runLen + r
	}

	al := Alignment{Width: width, Columns: make(map[string][]int, len(seqs))}
	refCols := make([]int, n)
	for i := 0; i < n; i++ {
		refCols[i] = refCol(i)
	}
	al.Columns[refID] = refCols

	// 3) Project every other sequence through its pairwise alignment.
	for _, id := range ids {
		if id == refID {
			continue
		}
		cols := make([]int, len(seqs[id]))
		var pending []int
		junction := 0
		flush := func() {
			for r, bp := range pending {
				cols[bp] = insCol(junction, len(pending), r)
			}
			pending = pending[:0]
		}
		for _, o := range allOps[id] {
			switch {
			case o.a < 0:
				pending = append(pending, o.b)
			case o.b < 0:
				flush()
				junction = o.a + 1
			default:
				flush()
				cols[o.b] = refCol(o.a)
				junction = o.a + 1
			}
		}
		flush()
		al.Columns[id] = cols
	}
	return al, nil
}

// op is one traceback step: a and b are consumed positions, -1 on the
// gapped side.
type op struct{ a, b int }

func needleman(a, b string, opt Options) []op {
	la, lb := len(a), len(b)
	cols := lb + 1
	score := make([]int, (la+1)*cols)
	for i := 1; i <= la; i++ {
		score[i*cols] = i * opt.Gap
	}
	for j := 1; j <= lb; j++ {
		score[j] = j * opt.Gap
	}
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			sub := opt.Mismatch
			if a[i-1] == b[j-1] {
				sub = opt.Match
			}
			best := score[(i-1)*cols+j-1] + sub
			if up := score[(i-1)*cols+j] + opt.Gap; up > best {
				best = up
			}
			if left := score[i*cols+j-1] + opt.Gap; left > best {
				best = left
			}
			score[i*cols+j] = best
		}
	}

	// Traceback, diagonal preferred, then gap in b, then gap in a.
	ops := make([]op, 0, la+lb)
	i, j := la, lb
	for i > 0 || j > 0 {
		cur := score[i*cols+j]
		switch {
		case i > 0 && j > 0 && cur == score[(i-1)*cols+j-1]+subst(a[i-1], b[j-1], opt):
			ops = append(ops, op{a: i - 1, b: j - 1})
			i--
			j--
		case i > 0 && cur == score[(i-1)*cols+j]+opt.Gap:
			ops = append(ops, op{a: i - 1, b: -1})
			i--
		default:
			ops = append(ops, op{a: -1, b: j - 1})
			j--
		}
	}
	for l, r := 0, len(ops)-1; l < r; l, r = l+1, r-1 {
		ops[l], ops[r] = ops[r], ops[l]
	}
	return ops
}

func subst(x, y byte, opt Options) int {
	if x == y {
		return opt.Match
	}
	return opt.Mismatch
}
