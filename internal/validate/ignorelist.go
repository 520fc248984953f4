package validate

import (
	"regexp"

	"github.com/mkoziy/genome/release/internal/assemblyreport"
)

// Finding is one error line of a validator report.
type Finding struct {
	Tool    string
	File    string
	Line    int
	Message string
}

// ignoreRule describes a benign class of validator errors.
type ignoreRule struct {
	class   string
	pattern *regexp.Regexp
	// applies narrows a match further, e.g. by contig role. nil accepts every match.
	applies func(m []string, rep *assemblyreport.Report) bool
}

var ignorelist = []ignoreRule{
	{class: "duplicated_variant", pattern: regexp.MustCompile(`(?i)duplicated variant`)},
	{class: "first_nucleotide", pattern: regexp.MustCompile(`(?i)share the first nucleotide|first nucleotide .*(reference|alternate)`)},
	{class: "alt_meta_not_listed", pattern: regexp.MustCompile(`(?i)not listed in a valid meta-data ALT entry`)},
	{class: "chromosome_colon", pattern: regexp.MustCompile(`(?i)chromosome.*colon`)},
	{
		class:   "absent_from_fasta",
		pattern: regexp.MustCompile(`(?i)(?:chromosome|contig|sequence) '?([^\s']+)'? is not present in (?:the )?FASTA`),
		applies: unplacedContig,
	},
	{class: "multiple_synonyms", pattern: regexp.MustCompile(`(?i)multiple synonyms`)},
}

// unplacedContig accepts contigs the assembly report knows but does not
// list as assembled molecules.
func unplacedContig(m []string, rep *assemblyreport.Report) bool {
	if rep == nil || len(m) < 2 {
		return false
	}
	seq, ok := rep.Lookup(m[1])
	return ok && !seq.AssembledMolecule()
}

// ignoredClass returns the ignorelist class of msg, or "" when it is not benign.
func ignoredClass(msg string, rep *assemblyreport.Report) string {
	for _, r := range ignorelist {
		m := r.pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		if r.applies == nil || r.applies(m, rep) {
			return r.class
		}
	}
	return ""
}
