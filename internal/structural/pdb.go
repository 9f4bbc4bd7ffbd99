package structural

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kestlerbio/epilens/internal/faults"
)

// Atom is one heavy atom in structure coordinates (angstroms).
type Atom struct {
	Name string
	X    float64
	Y    float64
	Z    float64
}

// Residue is one structure residue. SeqNum is the author numbering from the
// file, which is sparse and may be negative; position in Chain.Residues is
// the dense index the validator maps against.
type Residue struct {
	SeqNum int
	ICode  string
	Name   string
	Symbol byte
	Atoms  []Atom
}

// Chain is one structure chain in file order.
type Chain struct {
	ID       string
	Residues []Residue
}

// Sequence renders the chain as one-letter residue codes.
func (c Chain) Sequence() string {
	b := make([]byte, len(c.Residues))
	for i, r := range c.Residues {
		b[i] = r.Symbol
	}
	return string(b)
}

// CoordinateProvider hands out structure chains for contact validation.
type CoordinateProvider interface {
	Chain(id string) (Chain, error)
	Chains() []string
}

// PDB is a parsed structure file restricted to what contact validation
// needs: polymer ATOM records, heavy atoms, first model, first altloc.
type PDB struct {
	chains map[string]*Chain
	order  []string
}

func LoadPDB(path string) (*PDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindInput, "structural.pdb", err)
	}
	defer f.Close()
	return ParsePDB(f)
}

func ParsePDB(r io.Reader) (*PDB, error) {
	const op = "structural.pdb"
	p := &PDB{chains: make(map[string]*Chain)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.HasPrefix(line, "ENDMDL") {
			break
		}
		if !strings.HasPrefix(line, "ATOM  ") {
			continue
		}
		if len(line) < 54 {
			return nil, faults.Input(op, "line %d: truncated ATOM record", lineNo)
		}
		if alt := line[16]; alt != ' ' && alt != 'A' {
			continue
		}
		name := strings.TrimSpace(line[12:16])
		if isHydrogen(line, name) {
			continue
		}
		x, err := parseCoord(line[30:38])
		if err != nil {
			return nil, faults.Input(op, "line %d: bad x coordinate %q", lineNo, strings.TrimSpace(line[30:38]))
		}
		y, err := parseCoord(line[38:46])
		if err != nil {
			return nil, faults.Input(op, "line %d: bad y coordinate %q", lineNo, strings.TrimSpace(line[38:46]))
		}
		z, err := parseCoord(line[46:54])
		if err != nil {
			return nil, faults.Input(op, "line %d: bad z coordinate %q", lineNo, strings.TrimSpace(line[46:54]))
		}
		seqNum, err := strconv.Atoi(strings.TrimSpace(line[22:26]))
		if err != nil {
			return nil, faults.Input(op, "line %d: bad residue number %q", lineNo, strings.TrimSpace(line[22:26]))
		}

		chainID := strings.TrimSpace(line[21:22])
		resName := strings.TrimSpace(line[17:20])
		iCode := strings.TrimSpace(line[26:27])

		ch, ok := p.chains[chainID]
		if !ok {
			ch = &Chain{ID: chainID}
			p.chains[chainID] = ch
			p.order = append(p.order, chainID)
		}
		n := len(ch.Residues)
		if n == 0 || ch.Residues[n-1].SeqNum != seqNum || ch.Residues[n-1].ICode != iCode {
			ch.Residues = append(ch.Residues, Residue{
				SeqNum: seqNum,
				ICode:  iCode,
				Name:   resName,
				Symbol: oneLetter(resName),
			})
			n++
		}
		ch.Residues[n-1].Atoms = append(ch.Residues[n-1].Atoms, Atom{Name: name, X: x, Y: y, Z: z})
	}
	if err := sc.Err(); err != nil {
		return nil, faults.Wrap(faults.KindInput, op, err)
	}
	if len(p.order) == 0 {
		return nil, faults.Input(op, "no ATOM records")
	}
	return p, nil
}

func (p *PDB) Chain(id string) (Chain, error) {
	ch, ok := p.chains[id]
	if !ok {
		return Chain{}, faults.Alignment("structural.chain", "chain %q not in structure (have %v)", id, p.order)
	}
	return *ch, nil
}

func (p *PDB) Chains() []string {
	return append([]string(nil), p.order...)
}

func parseCoord(field string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(field), 64)
}

// isHydrogen prefers the element field when the record carries one and
// falls back to the atom-name convention otherwise.
func isHydrogen(line, name string) bool {
	if len(line) >= 78 {
		switch strings.TrimSpace(line[76:78]) {
		case "H", "D":
			return true
		case "":
		default:
			return false
		}
	}
	trimmed := strings.TrimLeft(name, "0123456789")
	return strings.HasPrefix(trimmed, "H") || strings.HasPrefix(trimmed, "D")
}

// threeToOne is the standard residue translation plus the common
// nonstandard codes; anything else maps to the unknown symbol.
var threeToOne = map[string]byte{
	"ALA": 'A', "ARG": 'R', "ASN": 'N', "ASP": 'D', "CYS": 'C',
	"GLN": 'Q', "GLU": 'E', "GLY": 'G', "HIS": 'H', "ILE": 'I',
	"LEU": 'L', "LYS": 'K', "MET": 'M', "PHE": 'F', "PRO": 'P',
	"SER": 'S', "THR": 'T', "TRP": 'W', "TYR": 'Y', "VAL": 'V',
	"ASX": 'B', "GLX": 'Z', "MSE": 'M', "SEC": 'U', "PYL": 'O',
}

func oneLetter(resName string) byte {
	if b, ok := threeToOne[resName]; ok {
		return b
	}
	return 'X'
}
