// Package releasejob configures and runs the external accession release job.
package releasejob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

const (
	jobName        = "ACCESSION_RELEASE_JOB"
	contigNaming   = "SEQUENCE_NAME"
	defaultChunk   = 1000
	propertiesMode = 0o600
)

// Options configure the Driver.
type Options struct {
	Jar        string
	JVMArgs    []string
	User       string
	Password   string
	AuthSource string
	ChunkSize  int
}

// Artifacts lists the per-provenance files the job emitted.
type Artifacts struct {
	Dir    string
	Inputs map[models.Category][]models.Source
}

// Has reports whether category c has at least one input.
func (a *Artifacts) Has(c models.Category) bool {
	return len(a.Inputs[c]) > 0
}

// Driver writes the job configuration and launches the job.
type Driver struct {
	runner command.Runner
	opts   Options
	logger *slog.Logger
}

// New returns a release job driver.
func New(runner command.Runner, opts Options, logger *slog.Logger) *Driver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunk
	}
	return &Driver{runner: runner, opts: opts, logger: logger}
}

// PropertiesPath is the job configuration file of a target.
func PropertiesPath(outDir string, t *models.ReleaseTarget) string {
	return filepath.Join(outDir, releasefiles.Prefix(t.Taxonomy, t.AssemblyAccession)+"_release.properties")
}

// Properties renders the job configuration for target reaching staging on localhost:port.
func (d *Driver) Properties(t *models.ReleaseTarget, port int, outDir string) string {
	props := [][2]string{
		{"spring.batch.job.names", jobName},
		{"spring.main.web-application-type", "none"},
		{"spring.data.mongodb.host", "localhost"},
		{"spring.data.mongodb.port", strconv.Itoa(port)},
		{"spring.data.mongodb.database", t.StagingDatabase()},
		{"mongodb.read-preference", "primary"},
		{"parameters.taxonomyAccession", strconv.FormatInt(t.Taxonomy, 10)},
		{"parameters.assemblyAccession", t.AssemblyAccession},
		{"parameters.fasta", t.FastaPath},
		{"parameters.assemblyReportUrl", "file:" + t.ReportPath},
		{"parameters.contigNaming", contigNaming},
		{"parameters.outputFolder", outDir},
		{"parameters.chunkSize", strconv.Itoa(d.opts.ChunkSize)},
	}
	if d.opts.User != "" {
		props = append(props,
			[2]string{"spring.data.mongodb.username", d.opts.User},
			[2]string{"spring.data.mongodb.password", d.opts.Password},
			[2]string{"spring.data.mongodb.authentication-database", d.opts.AuthSource},
		)
	}

	var b strings.Builder
	for _, kv := range props {
		fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
	}
	return b.String()
}

// Run launches the job and checks that every required file was produced.
func (d *Driver) Run(ctx context.Context, t *models.ReleaseTarget, port int, outDir string) (*Artifacts, error) {
	op := fmt.Sprintf("release job %s", t.Key())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, releaseerr.New(releaseerr.KindReleaseJob, op, err)
	}
	propsPath := PropertiesPath(outDir, t)
	if err := os.WriteFile(propsPath, []byte(d.Properties(t, port, outDir)), propertiesMode); err != nil {
		return nil, releaseerr.New(releaseerr.KindReleaseJob, op, err)
	}

	logPath := filepath.Join(outDir, releasefiles.Prefix(t.Taxonomy, t.AssemblyAccession)+"_release_job.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindReleaseJob, op, err)
	}
	defer logFile.Close()

	args := append([]string{}, d.opts.JVMArgs...)
	args = append(args, "-jar", d.opts.Jar, "--spring.config.location=file:"+propsPath)

	start := time.Now()
	d.logger.Info("starting release job", "properties", propsPath, "job_log", logPath)
	if _, err := d.runner.Run(ctx, command.Command{Tool: command.Java, Args: args, Dir: outDir, Stdout: logFile}); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, releaseerr.New(releaseerr.KindReleaseJob, op, err)
	}
	d.logger.Info("release job finished", "duration", time.Since(start))

	return Collect(t, outDir)
}

// Collect inventories the job outputs in outDir. Every required category must
// exist for every provenance in the target's sources; multimap is optional.
func Collect(t *models.ReleaseTarget, outDir string) (*Artifacts, error) {
	op := fmt.Sprintf("release job %s", t.Key())
	a := &Artifacts{Dir: outDir, Inputs: make(map[models.Category][]models.Source)}
	var missing []string
	for _, c := range models.Categories {
		for _, src := range t.Sources.List() {
			name := releasefiles.ProvenanceInput(src, t.Taxonomy, t.AssemblyAccession, c)
			_, err := os.Stat(filepath.Join(outDir, name))
			switch {
			case err == nil:
				a.Inputs[c] = append(a.Inputs[c], src)
			case !os.IsNotExist(err):
				return nil, releaseerr.New(releaseerr.KindReleaseJob, op, err)
			case c.Required():
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, releaseerr.Newf(releaseerr.KindReleaseJob, op, "expected files not produced: %s", strings.Join(missing, ", "))
	}
	return a, nil
}
