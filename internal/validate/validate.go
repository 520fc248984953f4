// Package validate checks the release files of a target: structural VCF
// validation, assembly report consistency and the RS completeness check
// against the staging database.
package validate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mkoziy/genome/release/internal/assemblyreport"
	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

// ReportDir is the folder, inside the assembly folder, holding validator reports.
const ReportDir = "validation"

var linePrefix = regexp.MustCompile(`^Line (\d+):\s*`)

// Report summarizes one validation run.
type Report struct {
	// Ignored counts benign findings per ignorelist class.
	Ignored map[string]int
	Errors  []Finding
	RS      *RSCheck
}

// Validator runs the validation step of a target.
type Validator struct {
	runner command.Runner
	logger *slog.Logger
}

func New(runner command.Runner, logger *slog.Logger) *Validator {
	return &Validator{runner: runner, logger: logger}
}

// Validate runs the external validators over the VCF release files in dir,
// then checks that every releasable RS of store is either released or
// accounted for.
func (v *Validator) Validate(ctx context.Context, t *models.ReleaseTarget, dir string, store RSStore) (*Report, error) {
	op := fmt.Sprintf("validate %s", t.Key())
	rep, err := assemblyreport.ParseFile(t.ReportPath)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindValidation, op, err)
	}

	report := &Report{Ignored: make(map[string]int)}
	for _, c := range models.Categories {
		if !c.IsVCF() {
			continue
		}
		final := releasefiles.Final(t.Taxonomy, t.AssemblyAccession, c)
		if _, err := os.Stat(filepath.Join(dir, final)); err != nil {
			continue
		}
		findings, err := v.runValidators(ctx, t, dir, c)
		if err != nil {
			if isCanceled(err) {
				return nil, err
			}
			return nil, releaseerr.New(releaseerr.KindValidation, op, err)
		}
		for _, f := range findings {
			if class := ignoredClass(f.Message, rep); class != "" {
				report.Ignored[class]++
				continue
			}
			report.Errors = append(report.Errors, f)
		}
	}
	if len(report.Ignored) > 0 {
		v.logger.Info("ignored benign validator findings", "classes", report.Ignored)
	}
	if len(report.Errors) > 0 {
		return report, releaseerr.Newf(releaseerr.KindValidation, op, "%d validator errors, first: %s", len(report.Errors), describe(report.Errors[0]))
	}

	report.RS, err = CheckRS(ctx, store, t, dir)
	if err != nil {
		return report, err
	}
	v.logger.Info("rs check passed", "staging_rs", report.RS.StagingRS, "released_rs", report.RS.ReleasedRS, "accounted", report.RS.Accounted)
	return report, nil
}

func describe(f Finding) string {
	if f.Line > 0 {
		return fmt.Sprintf("%s %s line %d: %s", f.Tool, f.File, f.Line, f.Message)
	}
	return fmt.Sprintf("%s %s: %s", f.Tool, f.File, f.Message)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runValidators checks the ENA-named file with vcf_validator and the
// GenBank-named copy against the FASTA and assembly report.
func (v *Validator) runValidators(ctx context.Context, t *models.ReleaseTarget, dir string, c models.Category) ([]Finding, error) {
	final := releasefiles.Final(t.Taxonomy, t.AssemblyAccession, c)
	genbank := releasefiles.GenBankVCF(t.Taxonomy, t.AssemblyAccession, c)

	vcfOut := filepath.Join(dir, ReportDir, string(command.VCFValidator), string(c))
	asmOut := filepath.Join(dir, ReportDir, string(command.VCFAssemblyChecker), string(c))
	for _, d := range []string{vcfOut, asmOut} {
		if err := os.RemoveAll(d); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	if err := v.run(ctx, command.Command{
		Tool: command.VCFValidator,
		Args: []string{"-i", filepath.Join(dir, final), "-r", "summary,text", "-o", vcfOut},
	}); err != nil {
		return nil, err
	}
	if err := v.run(ctx, command.Command{
		Tool: command.VCFAssemblyChecker,
		Args: []string{
			"-i", filepath.Join(dir, genbank),
			"-f", t.FastaPath,
			"-a", t.ReportPath,
			"-r", "summary,text",
			"-o", asmOut,
			"--require-genbank",
		},
	}); err != nil {
		return nil, err
	}

	findings, err := readFindings(vcfOut, string(command.VCFValidator), final)
	if err != nil {
		return nil, err
	}
	more, err := readFindings(asmOut, string(command.VCFAssemblyChecker), genbank)
	if err != nil {
		return nil, err
	}
	return append(findings, more...), nil
}

// run tolerates a non-zero exit: the validators exit non-zero on any
// finding, which is judged from the reports instead.
func (v *Validator) run(ctx context.Context, cmd command.Command) error {
	res, err := v.runner.Run(ctx, cmd)
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		v.logger.Debug("validator reported findings", "tool", cmd.Tool, "exit_code", exitErr.ExitCode)
		return nil
	}
	if err != nil {
		return err
	}
	if res != nil {
		v.logger.Debug("validator finished", "tool", cmd.Tool, "duration", res.Duration)
	}
	return nil
}

// readFindings parses the text reports written into outDir.
func readFindings(outDir, tool, file string) ([]Finding, error) {
	reports, err := filepath.Glob(filepath.Join(outDir, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(reports)

	var findings []Finding
	for _, path := range reports {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if fd, ok := parseFinding(sc.Text()); ok {
				fd.Tool, fd.File = tool, file
				findings = append(findings, fd)
			}
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return findings, nil
}

// parseFinding extracts an error from a report line. Warnings and summary
// lines are not findings. Lines may carry a "Line N:" prefix.
func parseFinding(line string) (Finding, bool) {
	line = strings.TrimSpace(line)
	var fd Finding
	prefixed := false
	if m := linePrefix.FindStringSubmatch(line); m != nil {
		fd.Line, _ = strconv.Atoi(m[1])
		line = line[len(m[0]):]
		prefixed = true
	}
	switch {
	case line == "":
		return fd, false
	case strings.HasPrefix(line, "Warning"):
		return fd, false
	case strings.HasPrefix(line, "Error"):
		msg := strings.TrimPrefix(line, "Error")
		fd.Message = strings.TrimSpace(strings.TrimLeft(msg, ":"))
		return fd, true
	case prefixed:
		fd.Message = line
		return fd, true
	}
	return fd, false
}
