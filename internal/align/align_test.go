package align

import (
	"testing"

	"github.com/kestlerbio/epilens/internal/faults"
)

// synth builds a deterministic pseudo-random chain over the 20 standard
// residues.
func synth(n int, seed uint32) string {
	const aa = "ACDEFGHIKLMNPQRSTVWY"
	b := make([]byte, n)
	x := seed
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = aa[x%20]
	}
	return string(b)
}

func drop(s string, at, n int) string {
	return s[:at] + s[at+n:]
}

func insert(s string, at int, ins string) string {
	return s[:at] + ins + s[at:]
}

func TestPairwise_Identical(t *testing.T) {
	s := synth(40, 7)
	p := Pairwise(s, s, Options{})
	if p.Identity() != 1 {
		t.Fatalf("identity=%g", p.Identity())
	}
	for i := range p.AToB {
		if p.AToB[i] != i || p.BToA[i] != i {
			t.Fatalf("position %d maps to %d/%d", i, p.AToB[i], p.BToA[i])
		}
	}
}

func TestPairwise_Deletion(t *testing.T) {
	a := synth(50, 11)
	b := drop(a, 20, 3)
	p := Pairwise(a, b, Options{})
	if p.Aligned != len(b) {
		t.Fatalf("aligned=%d want %d", p.Aligned, len(b))
	}
	if p.Identity() != 1 {
		t.Fatalf("identity=%g", p.Identity())
	}
	gaps := 0
	for _, j := range p.AToB {
		if j == -1 {
			gaps++
		}
	}
	if gaps != 3 {
		t.Fatalf("gaps=%d", gaps)
	}
}

func TestPairwise_Empty(t *testing.T) {
	p := Pairwise("", "ACD", Options{})
	if p.Aligned != 0 || p.Identity() != 0 {
		t.Fatalf("aligned=%d identity=%g", p.Aligned, p.Identity())
	}
	if len(p.BToA) != 3 || p.BToA[0] != -1 {
		t.Fatalf("BToA=%v", p.BToA)
	}
}

func TestPairwise_Divergent(t *testing.T) {
	p := Pairwise("AAAAAAAAAA", "WWWWWWWWWW", Options{})
	if p.Identity() > 0.2 {
		t.Fatalf("identity=%g for unrelated chains", p.Identity())
	}
}

func TestStar_MissingReference(t *testing.T) {
	_, err := Star{}.Align("nope", map[string]string{"a": "ACD"})
	if faults.KindOf(err) != faults.KindAlignment {
		t.Fatalf("err=%v", err)
	}
}

func TestStar_ReferenceOnly(t *testing.T) {
	al, err := Star{}.Align("ref", map[string]string{"ref": "ACDEF"})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if al.Width != 5 {
		t.Fatalf("width=%d", al.Width)
	}
	for i, c := range al.Columns["ref"] {
		if c != i {
			t.Fatalf("ref column %d=%d", i, c)
		}
	}
}

func TestStar_InsertionWidensReference(t *testing.T) {
	ref := synth(30, 3)
	varied := insert(ref, 12, "WW")
	al, err := Star{}.Align("ref", map[string]string{"ref": ref, "v": varied})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if al.Width != 32 {
		t.Fatalf("width=%d want 32", al.Width)
	}
	cols := al.Columns["v"]
	if len(cols) != 32 {
		t.Fatalf("variant columns=%d", len(cols))
	}
	seen := map[int]bool{}
	for i, c := range cols {
		if c < 0 || c >= al.Width {
			t.Fatalf("column %d out of range: %d", i, c)
		}
		if i > 0 && cols[i-1] >= c {
			t.Fatalf("columns not increasing at %d: %d then %d", i, cols[i-1], c)
		}
		seen[c] = true
	}
	// The two insertion columns belong to the variant alone.
	gapCols := 0
	for _, c := range al.Columns["ref"] {
		delete(seen, c)
	}
	for range seen {
		gapCols++
	}
	if gapCols != 2 {
		t.Fatalf("variant-only columns=%d", gapCols)
	}
}

func TestStar_PanelWidth(t *testing.T) {
	base := synth(201, 42)
	seqs := map[string]string{
		"ref": base,                                // 201
		"v1":  drop(base, 50, 1),                   // 200
		"v2":  drop(base, 30, 3),                   // 198
		"v3":  insert(drop(base, 100, 4), 150, "WW"), // 199
		"v4":  drop(base, 180, 1),                  // 200
	}
	for id, want := range map[string]int{"ref": 201, "v1": 200, "v2": 198, "v3": 199, "v4": 200} {
		if len(seqs[id]) != want {
			t.Fatalf("%s length %d want %d", id, len(seqs[id]), want)
		}
	}

	al, err := Star{}.Align("ref", seqs)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if al.Width != 203 {
		t.Fatalf("width=%d want 203", al.Width)
	}
	counts := make([]int, al.Width)
	for id := range seqs {
		cols := al.Columns[id]
		if len(cols) != len(seqs[id]) {
			t.Fatalf("%s: %d columns for %d positions", id, len(cols), len(seqs[id]))
		}
		for i, c := range cols {
			if i > 0 && cols[i-1] >= c {
				t.Fatalf("%s columns not increasing at %d", id, i)
			}
			counts[c]++
		}
	}
	full, gapped := 0, 0
	for _, c := range counts {
		if c > 5 {
			t.Fatalf("column contributor count %d", c)
		}
		if c == 5 {
			full++
		} else {
			gapped++
		}
	}
	// Nine deleted reference positions (1+3+4+1 across the variants) thin
	// their columns to four contributors; the two insertion columns carry
	// only v3.
	if gapped != 11 {
		t.Fatalf("gapped columns=%d want 11", gapped)
	}
	if full != al.Width-11 {
		t.Fatalf("full columns=%d", full)
	}
}

func TestStar_Deterministic(t *testing.T) {
	seqs := map[string]string{
		"ref": synth(60, 5),
		"a":   drop(synth(60, 5), 10, 2),
		"b":   insert(synth(60, 5), 40, "W"),
	}
	x, err := Star{}.Align("ref", seqs)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	y, _ := Star{}.Align("ref", seqs)
	if x.Width != y.Width {
		t.Fatalf("width %d vs %d", x.Width, y.Width)
	}
	for id := range seqs {
		for i := range x.Columns[id] {
			if x.Columns[id][i] != y.Columns[id][i] {
				t.Fatalf("%s column %d diverged", id, i)
			}
		}
	}
}

func TestAlignment_PositionAt(t *testing.T) {
	ref := synth(20, 9)
	al, err := Star{}.Align("ref", map[string]string{"ref": ref, "v": drop(ref, 5, 1)})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if got := al.PositionAt("ref", al.Columns["ref"][7]); got != 7 {
		t.Fatalf("position=%d", got)
	}
	gapCol := al.Columns["ref"][5]
	if got := al.PositionAt("v", gapCol); got != -1 {
		t.Fatalf("gap column returned %d", got)
	}
}
