package releasefiles

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/models"
)

// Entry is one line of the count manifest.
type Entry struct {
	File  string
	Count int64
}

// WriteManifest writes README_rs_ids_counts.txt into dir.
func WriteManifest(dir string, entries []Entry) error {
	var b strings.Builder
	b.WriteString(ManifestHeader + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\t%d\n", e.File, e.Count)
	}
	return os.WriteFile(filepath.Join(dir, CountManifest), []byte(b.String()), 0o644)
}

// ReadManifest parses the count manifest of dir.
func ReadManifest(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, CountManifest))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, count, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("%s line %d: missing tab separator", CountManifest, line)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(count), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s line %d: invalid count %q", CountManifest, line, count)
		}
		entries = append(entries, Entry{File: name, Count: n})
	}
	return entries, sc.Err()
}

// Counts folds manifest entries of published files into RS counts.
// GenBank copies and files of other targets are ignored.
func Counts(entries []Entry, taxonomy int64, assembly string) (models.RSCounts, map[models.Metric]bool) {
	var c models.RSCounts
	seen := make(map[models.Metric]bool)
	for _, e := range entries {
		info, ok := ParseName(e.File)
		if !ok || info.GenBank || info.Taxonomy != taxonomy || info.Assembly != assembly {
			continue
		}
		m := models.CategoryMetric(info.Category)
		c.Set(m, e.Count)
		seen[m] = true
	}
	return c, seen
}

// Open returns a reader over a plain or gzip/bgzip compressed file.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.file.Close(); err != nil {
		return err
	}
	return zerr
}

// scanField calls fn with the value of the 1-based column field of every data line.
func scanField(path string, field int, fn func(string) error) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		val, ok := column(line, field)
		if !ok {
			continue
		}
		if err := fn(val); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func column(line string, field int) (string, bool) {
	for i := 1; ; i++ {
		val, rest, more := strings.Cut(line, "\t")
		if i == field {
			return val, true
		}
		if !more {
			return "", false
		}
		line = rest
	}
}

// CountUnique returns the number of distinct values in column field.
func CountUnique(path string, field int) (int64, error) {
	seen := make(map[string]struct{})
	err := scanField(path, field, func(v string) error {
		seen[v] = struct{}{}
		return nil
	})
	return int64(len(seen)), err
}

// RSIDs collects the RS accessions in column field. Values may hold several
// semicolon separated ids, each with an optional "rs" prefix.
func RSIDs(path string, field int) (accession.IDSet, error) {
	ids := make(accession.IDSet)
	err := scanField(path, field, func(v string) error {
		for _, part := range strings.Split(v, ";") {
			part = strings.TrimPrefix(strings.TrimSpace(part), "rs")
			if part == "" || part == "." {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid RS id %q", path, v)
			}
			ids.Add(id)
		}
		return nil
	})
	return ids, err
}

// Breakdown is the clustering breakdown recorded next to the release files.
type Breakdown struct {
	ClusteredRS       int64 `json:"clustered_rs"`
	RemappedCurrentRS int64 `json:"remapped_current_rs"`
	SplitRS           int64 `json:"split_rs"`
	SSClustered       int64 `json:"ss_clustered"`
}

// NewBreakdown extracts the breakdown columns of c.
func NewBreakdown(c models.RSCounts) Breakdown {
	return Breakdown{
		ClusteredRS:       c.ClusteredRS,
		RemappedCurrentRS: c.RemappedCurrentRS,
		SplitRS:           c.SplitRS,
		SSClustered:       c.SSClustered,
	}
}

// Apply copies the breakdown into c.
func (b Breakdown) Apply(c *models.RSCounts) {
	c.ClusteredRS = b.ClusteredRS
	c.RemappedCurrentRS = b.RemappedCurrentRS
	c.SplitRS = b.SplitRS
	c.SSClustered = b.SSClustered
}

// WriteBreakdown stores b in dir.
func WriteBreakdown(dir string, b Breakdown) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, BreakdownCounts), data, 0o644)
}

// ReadBreakdown loads the breakdown of dir.
func ReadBreakdown(dir string) (Breakdown, error) {
	var b Breakdown
	data, err := os.ReadFile(filepath.Join(dir, BreakdownCounts))
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parse %s: %w", BreakdownCounts, err)
	}
	return b, nil
}
