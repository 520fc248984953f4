package postprocess

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

var idAttr = regexp.MustCompile(`[<,]ID=([^,>]+)`)

// Header is the meta-information and column line of a VCF.
type Header struct {
	FileFormat string
	Info       []string
	Contigs    []string
	References []string
	Other      []string
	Columns    string
}

// readHeader consumes the header of r, leaving r positioned at the first record.
func readHeader(r *bufio.Reader) (Header, error) {
	var h Header
	for {
		peek, err := r.Peek(1)
		if err == io.EOF {
			break
		}
		if err != nil {
			return h, err
		}
		if peek[0] != '#' {
			break
		}
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return h, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "##fileformat="):
			h.FileFormat = line
		case strings.HasPrefix(line, "##INFO="):
			h.Info = append(h.Info, line)
		case strings.HasPrefix(line, "##contig="):
			h.Contigs = append(h.Contigs, line)
		case strings.HasPrefix(line, "##reference="):
			h.References = append(h.References, line)
		case strings.HasPrefix(line, "#CHROM"):
			h.Columns = line
		default:
			h.Other = append(h.Other, line)
		}
		if err == io.EOF {
			break
		}
	}
	if h.Columns == "" {
		return h, fmt.Errorf("missing #CHROM header line")
	}
	return h, nil
}

func headerID(line string) string {
	if m := idAttr.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return line
}

// dedupByID keeps the first line of each ID and sorts by ID.
func dedupByID(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lines := range groups {
		for _, l := range lines {
			id := headerID(l)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return headerID(out[i]) < headerID(out[j]) })
	return out
}

func dedupLines(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lines := range groups {
		for _, l := range lines {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// MergeHeaders unions the headers of several VCFs. INFO and contig lines are
// deduplicated and sorted by ID; reference and other lines are deduplicated
// in order of appearance.
func MergeHeaders(hs ...Header) Header {
	var merged Header
	var info, contigs, refs, other [][]string
	for _, h := range hs {
		if merged.FileFormat == "" {
			merged.FileFormat = h.FileFormat
		}
		if merged.Columns == "" {
			merged.Columns = h.Columns
		}
		info = append(info, h.Info)
		contigs = append(contigs, h.Contigs)
		refs = append(refs, h.References)
		other = append(other, h.Other)
	}
	merged.Info = dedupByID(info...)
	merged.Contigs = dedupByID(contigs...)
	merged.References = dedupLines(refs...)
	merged.Other = dedupLines(other...)
	return merged
}

// WriteTo writes the header lines.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	if h.FileFormat != "" {
		b.WriteString(h.FileFormat + "\n")
	}
	for _, group := range [][]string{h.Info, h.Other, h.Contigs, h.References} {
		for _, l := range group {
			b.WriteString(l + "\n")
		}
	}
	b.WriteString(h.Columns + "\n")
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
