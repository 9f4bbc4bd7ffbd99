// Package seq holds the protein sequence domain: alphabet validation,
// input normalization, and point substitution. Positions are zero-based
// throughout the codebase.
package seq

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/kestlerbio/epilens/internal/faults"
)

// Canonical 20 amino acids plus the extended IUPAC symbols. X stands for
// an unknown or masked residue and doubles as the attribution baseline.
const Alphabet = "ACDEFGHIKLMNPQRSTVWYBZJUOX"

// Unknown is the masked-residue symbol used for attribution baselines.
const Unknown byte = 'X'

var valid [128]bool

func init() {
	for i := 0; i < len(Alphabet); i++ {
		valid[Alphabet[i]] = true
	}
}

// ValidSymbol reports whether b is a residue symbol the engine accepts.
// Lowercase input is accepted and treated as its uppercase form.
func ValidSymbol(b byte) bool {
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}
	return b < 128 && valid[b]
}

// Validate rejects empty sequences and any symbol outside the alphabet.
func Validate(s string) error {
	if s == "" {
		return faults.Input("seq.validate", "empty sequence")
	}
	for i := 0; i < len(s); i++ {
		if !ValidSymbol(s[i]) {
			return faults.Input("seq.validate", "symbol %q at position %d not in alphabet", string(s[i]), i)
		}
	}
	return nil
}

// Normalize prepares pasted sequence text: NFKC folding (fullwidth letters
// from copied alignments become ASCII), then digits, whitespace and control
// characters are dropped and letters uppercased. The result is validated.
func Normalize(s string) (string, error) {
	folded := norm.NFKC.String(s)
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r) || unicode.IsDigit(r) || unicode.IsControl(r):
			return -1
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		default:
			return r
		}
	}, folded)
	if err := Validate(cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}

// Pair is one analysis unit's sequence pair. Immutable after NewPair.
type Pair struct {
	Antibody string
	Antigen  string
}

// NewPair validates both chains. Zero-length chains are rejected here,
// before any tokenization or scoring happens.
func NewPair(antibody, antigen string) (Pair, error) {
	if err := Validate(antibody); err != nil {
		return Pair{}, faults.Wrap(faults.KindInput, "seq.pair.antibody", err)
	}
	if err := Validate(antigen); err != nil {
		return Pair{}, faults.Wrap(faults.KindInput, "seq.pair.antigen", err)
	}
	return Pair{Antibody: antibody, Antigen: antigen}, nil
}

// Substitute returns s with the residue at pos replaced by sym.
// Bounds and symbol validity are checked so callers can rely on the
// error surfacing before any scoring batch is assembled.
func Substitute(s string, pos int, sym byte) (string, error) {
	if pos < 0 || pos >= len(s) {
		return "", faults.Input("seq.substitute", "position %d out of range for length %d", pos, len(s))
	}
	if !ValidSymbol(sym) {
		return "", faults.Input("seq.substitute", "substitution symbol %q not in alphabet", string(sym))
	}
	if sym >= 'a' && sym <= 'z' {
		sym -= 'a' - 'A'
	}
	b := []byte(s)
	b[pos] = sym
	return string(b), nil
}

// Masked returns a sequence of the same length as s made entirely of the
// unknown symbol.
func Masked(s string) string {
	return strings.Repeat(string(Unknown), len(s))
}
