package seq

import (
	"bufio"
	"io"
	"strings"

	"github.com/kestlerbio/epilens/internal/faults"
)

// FASTARecord is one entry of a FASTA stream. ID is the first whitespace
// separated token of the header line.
type FASTARecord struct {
	ID       string
	Desc     string
	Sequence string
}

// ParseFASTA reads all records from r. Sequence lines are normalized
// (whitespace and digits stripped, uppercased) and validated against the
// alphabet. Duplicate IDs are rejected so panel variants stay addressable.
func ParseFASTA(r io.Reader) ([]FASTARecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		recs []FASTARecord
		cur  *FASTARecord
		body strings.Builder
		seen = map[string]bool{}
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		s, err := Normalize(body.String())
		if err != nil {
			return faults.Wrap(faults.KindInput, "seq.fasta:"+cur.ID, err)
		}
		cur.Sequence = s
		recs = append(recs, *cur)
		cur = nil
		body.Reset()
		return nil
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			if err := flush(); err != nil {
				return nil, err
			}
			header := strings.TrimSpace(line[1:])
			if header == "" {
				return nil, faults.Input("seq.fasta", "header with no id")
			}
			id := header
			desc := ""
			if i := strings.IndexAny(header, " \t"); i >= 0 {
				id, desc = header[:i], strings.TrimSpace(header[i+1:])
			}
			if seen[id] {
				return nil, faults.Input("seq.fasta", "duplicate id %q", id)
			}
			seen[id] = true
			cur = &FASTARecord{ID: id, Desc: desc}
			continue
		}
		if cur == nil {
			return nil, faults.Input("seq.fasta", "sequence data before first header")
		}
		body.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, faults.Wrap(faults.KindInput, "seq.fasta", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return recs, nil
}
