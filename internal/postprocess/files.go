package postprocess

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mkoziy/genome/release/internal/assemblyreport"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

func openBuffered(path string) (*os.File, *bufio.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, bufio.NewReaderSize(f, 1<<20), nil
}

// unionHeader reads the headers of inputs and merges them.
func unionHeader(inputs []string) (Header, error) {
	headers := make([]Header, 0, len(inputs))
	for _, in := range inputs {
		f, r, err := openBuffered(in)
		if err != nil {
			return Header{}, err
		}
		h, err := readHeader(r)
		_ = f.Close()
		if err != nil {
			return Header{}, fmt.Errorf("%s: %w", in, err)
		}
		headers = append(headers, h)
	}
	return MergeHeaders(headers...), nil
}

// writeWithHeader writes h followed by the records of in.
func writeWithHeader(in, out string, h Header) error {
	return writeFile(out, func(w *bufio.Writer) error {
		if _, err := h.WriteTo(w); err != nil {
			return err
		}
		f, r, err := openBuffered(in)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := readHeader(r); err != nil {
			return err
		}
		if err := copyLines(w, r); err != nil {
			return fmt.Errorf("copy records of %s: %w", in, err)
		}
		return nil
	})
}

// concatFiles writes inputs one after the other.
func concatFiles(out string, inputs []string) error {
	return writeFile(out, func(w *bufio.Writer) error {
		for _, in := range inputs {
			f, r, err := openBuffered(in)
			if err != nil {
				return err
			}
			err = copyLines(w, r)
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("copy %s: %w", in, err)
			}
		}
		return nil
	})
}

// copyLines copies the non-empty lines of r, terminating each with a newline.
func copyLines(w *bufio.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 64<<20)
	for sc.Scan() {
		if line := sc.Bytes(); len(line) > 0 {
			w.Write(line)
			w.WriteByte('\n')
		}
	}
	return sc.Err()
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if err := fn(w); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// splitForSort writes the header of in (plain or compressed) to header and its records to body,
// each record prefixed with "<contig order>\t<contig>\t" so that a numeric
// sort on field 1, a lexical sort on field 2 and a numeric sort on field 4
// orders records by assembly report order and position. Contigs missing from
// the report sort after all known ones, by name.
func splitForSort(in, header, body string, rep *assemblyreport.Report) error {
	f, err := releasefiles.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	h, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	if err := writeFile(header, func(w *bufio.Writer) error {
		_, err := h.WriteTo(w)
		return err
	}); err != nil {
		return err
	}

	unknown := strconv.Itoa(len(rep.Sequences))
	return writeFile(body, func(w *bufio.Writer) error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1<<20), 64<<20)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			chrom, _, _ := strings.Cut(line, "\t")
			order := unknown
			if i := rep.Order(chrom); i >= 0 {
				order = strconv.Itoa(i)
			}
			w.WriteString(order)
			w.WriteByte('\t')
			w.WriteString(chrom)
			w.WriteByte('\t')
			w.WriteString(line)
			w.WriteByte('\n')
		}
		return sc.Err()
	})
}

// joinSorted appends the sorted, prefixed records to the header, stripping the prefix.
func joinSorted(out, header, sortedBody string) error {
	return writeFile(out, func(w *bufio.Writer) error {
		hf, err := os.Open(header)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, hf)
		_ = hf.Close()
		if err != nil {
			return err
		}

		bf, r, err := openBuffered(sortedBody)
		if err != nil {
			return err
		}
		defer bf.Close()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1<<20), 64<<20)
		for sc.Scan() {
			line := sc.Text()
			_, rest, ok := strings.Cut(line, "\t")
			if ok {
				_, rest, ok = strings.Cut(rest, "\t")
			}
			if !ok {
				return fmt.Errorf("malformed sorted record %q", line)
			}
			w.WriteString(rest)
			w.WriteByte('\n')
		}
		return sc.Err()
	})
}

const contigID = "##contig=<ID="

// renameContigs rewrites CHROM values and ##contig IDs of the VCF at in
// (plain or compressed) using rename; unknown contigs are kept. It returns
// the contigs that had no mapping.
func renameContigs(in, out string, rename map[string]string) ([]string, error) {
	r, err := releasefiles.Open(in)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	unmapped := make(map[string]bool)
	mapName := func(name string) string {
		if to, ok := rename[name]; ok {
			return to
		}
		unmapped[name] = true
		return name
	}

	err = writeFile(out, func(w *bufio.Writer) error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1<<20), 64<<20)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, contigID):
				rest := line[len(contigID):]
				end := strings.IndexAny(rest, ",>")
				if end < 0 {
					w.WriteString(line)
					break
				}
				w.WriteString(contigID)
				w.WriteString(mapName(rest[:end]))
				w.WriteString(rest[end:])
			case strings.HasPrefix(line, "#") || line == "":
				w.WriteString(line)
			default:
				chrom, rest, _ := strings.Cut(line, "\t")
				w.WriteString(mapName(chrom))
				w.WriteByte('\t')
				w.WriteString(rest)
			}
			w.WriteByte('\n')
		}
		return sc.Err()
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(unmapped))
	for name := range unmapped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
