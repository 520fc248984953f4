// Package postprocess turns the per-provenance release job outputs into the
// published release files: merged, sorted, compressed, indexed, renamed to
// ENA sequence names and counted.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mkoziy/genome/release/internal/assemblyreport"
	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

// Options configure a Processor.
type Options struct {
	SortMemory string
	TmpDir     string
	// IncludeMultimap publishes and counts the multimap category.
	IncludeMultimap bool
}

// Result lists what a run produced.
type Result struct {
	Files    []string
	Manifest []releasefiles.Entry
	// UnmappedContigs are contigs kept under their GenBank name in the ENA copy.
	UnmappedContigs []string
}

// Processor runs the post-processing steps of one target.
type Processor struct {
	runner command.Runner
	opts   Options
	logger *slog.Logger
}

// New returns a Processor.
func New(runner command.Runner, opts Options, logger *slog.Logger) *Processor {
	if opts.SortMemory == "" {
		opts.SortMemory = "2G"
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	return &Processor{runner: runner, opts: opts, logger: logger}
}

type job struct {
	t        *models.ReleaseTarget
	dir      string
	report   *assemblyreport.Report
	category models.Category
	sources  []models.Source
}

func (j job) path(name string) string { return filepath.Join(j.dir, name) }

// Process runs every category of the target found in dir. inputs lists, per
// category, the provenances whose release job output exists.
func (p *Processor) Process(ctx context.Context, t *models.ReleaseTarget, dir string, inputs map[models.Category][]models.Source) (*Result, error) {
	op := fmt.Sprintf("post-process %s", t.Key())
	rep, err := assemblyreport.ParseFile(t.ReportPath)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindPostProcessing, op, err)
	}

	res := &Result{}
	unmapped := make(map[string]bool)
	for _, c := range models.Categories {
		srcs := inputs[c]
		if err := checkInputs(t, c, srcs); err != nil {
			return nil, releaseerr.New(releaseerr.KindPostProcessing, op, err)
		}
		if len(srcs) == 0 {
			continue
		}

		j := job{t: t, dir: dir, report: rep, category: c, sources: srcs}
		start := time.Now()
		names, err := p.processCategory(ctx, j)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, releaseerr.New(releaseerr.KindPostProcessing, fmt.Sprintf("%s %s", op, c), err)
		}
		for _, n := range names {
			unmapped[n] = true
		}
		p.logger.Info("processed category", "category", c, "sources", len(srcs), "duration", time.Since(start))

		if c == models.CategoryMultimap && !p.opts.IncludeMultimap {
			continue
		}
		res.Files = append(res.Files, releasefiles.Outputs(t.Taxonomy, t.AssemblyAccession, c)...)
	}

	for name := range unmapped {
		res.UnmappedContigs = append(res.UnmappedContigs, name)
	}
	sort.Strings(res.UnmappedContigs)
	if len(res.UnmappedContigs) > 0 {
		p.logger.Warn("contigs without ENA name kept as is", "contigs", res.UnmappedContigs)
	}

	res.Manifest, err = countFiles(dir, res.Files)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindPostProcessing, op, err)
	}
	if err := releasefiles.WriteManifest(dir, res.Manifest); err != nil {
		return nil, releaseerr.New(releaseerr.KindPostProcessing, op, err)
	}
	return res, nil
}

// checkInputs requires every provenance of the target for required categories.
func checkInputs(t *models.ReleaseTarget, c models.Category, srcs []models.Source) error {
	if !c.Required() {
		return nil
	}
	have := models.NewSources(srcs...)
	if !have.Covers(t.Sources) {
		return fmt.Errorf("missing %s input: sources %q but found %q", c, t.Sources, have)
	}
	return nil
}

func outputsExist(j job) bool {
	for _, name := range releasefiles.Outputs(j.t.Taxonomy, j.t.AssemblyAccession, j.category) {
		if _, err := os.Stat(j.path(name)); err != nil {
			return false
		}
		if j.category.IsVCF() {
			if _, err := os.Stat(j.path(releasefiles.CSI(name))); err != nil {
				return false
			}
		}
	}
	return true
}

func (p *Processor) processCategory(ctx context.Context, j job) ([]string, error) {
	if outputsExist(j) {
		p.logger.Info("category already finalized", "category", j.category)
		return nil, nil
	}

	inputs := make([]string, len(j.sources))
	for i, src := range j.sources {
		inputs[i] = j.path(releasefiles.ProvenanceInput(src, j.t.Taxonomy, j.t.AssemblyAccession, j.category))
	}
	unsorted := j.path(releasefiles.Unsorted(j.t.Taxonomy, j.t.AssemblyAccession, j.category))
	sorted := j.path(releasefiles.Sorted(j.t.Taxonomy, j.t.AssemblyAccession, j.category))
	defer os.Remove(unsorted)

	if !j.category.IsVCF() {
		if err := concatFiles(unsorted, inputs); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		if err := p.sortUnique(ctx, unsorted, sorted); err != nil {
			return nil, fmt.Errorf("sort: %w", err)
		}
		return nil, p.bgzip(ctx, sorted)
	}

	merged, err := p.mergeVCFs(ctx, unsorted, inputs)
	if merged != unsorted {
		defer os.Remove(merged)
	}
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	if err := p.sortVCF(ctx, merged, sorted, j.report); err != nil {
		return nil, fmt.Errorf("sort: %w", err)
	}
	if err := p.bgzip(ctx, sorted); err != nil {
		return nil, err
	}
	genbank := j.path(releasefiles.GenBankVCF(j.t.Taxonomy, j.t.AssemblyAccession, j.category))
	if err := p.index(ctx, genbank); err != nil {
		return nil, err
	}

	final := j.path(releasefiles.Final(j.t.Taxonomy, j.t.AssemblyAccession, j.category))
	plain := final[:len(final)-len(".gz")]
	unmapped, err := renameContigs(genbank, plain, j.report.GenBankToENA())
	if err != nil {
		return nil, fmt.Errorf("rename contigs: %w", err)
	}
	if err := p.bgzip(ctx, plain); err != nil {
		return nil, err
	}
	return unmapped, p.index(ctx, final)
}

// mergeVCFs gives every input the union header and concatenates their
// records without record-level merging. It returns the merged file, which is
// out for a single input and out.gz otherwise.
func (p *Processor) mergeVCFs(ctx context.Context, out string, inputs []string) (string, error) {
	h, err := unionHeader(inputs)
	if err != nil {
		return out, err
	}
	if len(inputs) == 1 {
		return out, writeWithHeader(inputs[0], out, h)
	}

	merged := out + ".gz"
	parts := make([]string, len(inputs))
	defer func() {
		for _, part := range parts {
			_ = os.Remove(part)
		}
	}()
	for i, in := range inputs {
		part := fmt.Sprintf("%s.part%d", out, i)
		parts[i] = part
		if err := writeWithHeader(in, part, h); err != nil {
			return merged, err
		}
		if err := p.bgzip(ctx, part); err != nil {
			return merged, err
		}
		parts[i] = part + ".gz"
	}
	args := append([]string{"concat", "--naive", "-o", merged}, parts...)
	if _, err := p.runner.Run(ctx, command.Command{Tool: command.Bcftools, Args: args}); err != nil {
		return merged, fmt.Errorf("concat: %w", err)
	}
	return merged, nil
}

func (p *Processor) sortEnv() map[string]string {
	return map[string]string{"LC_ALL": "C"}
}

func (p *Processor) sortVCF(ctx context.Context, in, out string, rep *assemblyreport.Report) error {
	header, body := in+".header", in+".body"
	sortedBody := body + ".sorted"
	defer func() {
		for _, f := range []string{header, body, sortedBody} {
			_ = os.Remove(f)
		}
	}()

	if err := splitForSort(in, header, body, rep); err != nil {
		return err
	}
	_, err := p.runner.Run(ctx, command.Command{
		Tool: command.Sort,
		Args: []string{"-t", "\t", "-k1,1n", "-k2,2", "-k4,4n", "-S", p.opts.SortMemory, "-T", p.opts.TmpDir, "-o", sortedBody, body},
		Env:  p.sortEnv(),
	})
	if err != nil {
		return err
	}
	return joinSorted(out, header, sortedBody)
}

func (p *Processor) sortUnique(ctx context.Context, in, out string) error {
	_, err := p.runner.Run(ctx, command.Command{
		Tool: command.Sort,
		Args: []string{"-u", "-S", p.opts.SortMemory, "-T", p.opts.TmpDir, "-o", out, in},
		Env:  p.sortEnv(),
	})
	return err
}

// bgzip compresses path in place to path.gz.
func (p *Processor) bgzip(ctx context.Context, path string) error {
	if _, err := p.runner.Run(ctx, command.Command{Tool: command.Bgzip, Args: []string{"-f", path}}); err != nil {
		return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (p *Processor) index(ctx context.Context, path string) error {
	if _, err := p.runner.Run(ctx, command.Command{Tool: command.Bcftools, Args: []string{"index", "--csi", "-f", path}}); err != nil {
		return fmt.Errorf("index %s: %w", filepath.Base(path), err)
	}
	return nil
}

// countFiles counts the unique ids of each file for the count manifest.
func countFiles(dir string, files []string) ([]releasefiles.Entry, error) {
	entries := make([]releasefiles.Entry, 0, len(files))
	for _, name := range files {
		info, ok := releasefiles.ParseName(name)
		if !ok {
			return nil, fmt.Errorf("unexpected release file %s", name)
		}
		n, err := releasefiles.CountUnique(filepath.Join(dir, name), releasefiles.IDField(info.Category))
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		entries = append(entries, releasefiles.Entry{File: name, Count: n})
	}
	return entries, nil
}
