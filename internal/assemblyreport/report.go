// Package assemblyreport parses NCBI assembly reports: the tab separated
// manifest of sequence names and accessions for one assembly.
package assemblyreport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const na = "na"

// Sequence is one row of an assembly report.
type Sequence struct {
	Name             string
	Role             string
	AssignedMolecule string
	GenBank          string
	RefSeq           string
	Length           int64
	UCSC             string
}

// AssembledMolecule reports whether the sequence is a chromosome-level molecule.
func (s Sequence) AssembledMolecule() bool {
	return s.Role == "assembled-molecule"
}

// ENAName is the name ENA uses for the sequence: the sequence name for
// assembled molecules, the GenBank accession otherwise.
func (s Sequence) ENAName() string {
	if s.AssembledMolecule() && s.Name != "" {
		return s.Name
	}
	return s.GenBank
}

// Report is a parsed assembly report. Sequences keep file order.
type Report struct {
	Sequences []Sequence

	byGenBank map[string]int
	byName    map[string]int
}

// Parse reads an assembly report.
func Parse(r io.Reader) (*Report, error) {
	rep := &Report{byGenBank: make(map[string]int), byName: make(map[string]int)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cols := strings.Split(text, "\t")
		if len(cols) < 7 {
			return nil, fmt.Errorf("line %d: expected at least 7 columns, got %d", line, len(cols))
		}
		seq := Sequence{
			Name:             cols[0],
			Role:             cols[1],
			AssignedMolecule: value(cols[2]),
			GenBank:          value(cols[4]),
			RefSeq:           value(cols[6]),
		}
		if len(cols) > 8 {
			if n, err := strconv.ParseInt(cols[8], 10, 64); err == nil {
				seq.Length = n
			}
		}
		if len(cols) > 9 {
			seq.UCSC = value(cols[9])
		}
		idx := len(rep.Sequences)
		rep.Sequences = append(rep.Sequences, seq)
		if seq.GenBank != "" {
			if _, dup := rep.byGenBank[seq.GenBank]; dup {
				return nil, fmt.Errorf("line %d: duplicate GenBank accession %s", line, seq.GenBank)
			}
			rep.byGenBank[seq.GenBank] = idx
		}
		if _, dup := rep.byName[seq.Name]; !dup {
			rep.byName[seq.Name] = idx
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read assembly report: %w", err)
	}
	if len(rep.Sequences) == 0 {
		return nil, fmt.Errorf("assembly report has no sequences")
	}
	return rep, nil
}

// ParseFile reads the assembly report at path.
func ParseFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rep, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rep, nil
}

func value(s string) string {
	if strings.EqualFold(s, na) {
		return ""
	}
	return s
}

// Lookup finds a sequence by GenBank accession, then by sequence name.
func (r *Report) Lookup(contig string) (Sequence, bool) {
	if i, ok := r.byGenBank[contig]; ok {
		return r.Sequences[i], true
	}
	if i, ok := r.byName[contig]; ok {
		return r.Sequences[i], true
	}
	return Sequence{}, false
}

// Order returns the position of contig in the report, or -1 when absent.
func (r *Report) Order(contig string) int {
	if i, ok := r.byGenBank[contig]; ok {
		return i
	}
	if i, ok := r.byName[contig]; ok {
		return i
	}
	return -1
}

// GenBankToENA returns the contig rename map for sequences that have a GenBank accession.
func (r *Report) GenBankToENA() map[string]string {
	out := make(map[string]string, len(r.byGenBank))
	for gb, i := range r.byGenBank {
		out[gb] = r.Sequences[i].ENAName()
	}
	return out
}
