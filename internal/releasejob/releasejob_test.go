package releasejob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

func cow() *models.ReleaseTarget {
	return &models.ReleaseTarget{
		Taxonomy:          9913,
		AssemblyAccession: "GCA_000003055.3",
		ReleaseVersion:    2,
		Sources:           models.SourcesBoth,
		FastaPath:         "/genomes/bos_taurus/GCA_000003055.3/GCA_000003055.3.fa",
		ReportPath:        "/genomes/bos_taurus/GCA_000003055.3/GCA_000003055.3_assembly_report.txt",
	}
}

// emitJob simulates the external job by writing the provenance files of cats.
func emitJob(t *models.ReleaseTarget, dir string, cats ...models.Category) func(context.Context, command.Command) (*command.Result, error) {
	return func(context.Context, command.Command) (*command.Result, error) {
		for _, c := range cats {
			for _, src := range t.Sources.List() {
				name := releasefiles.ProvenanceInput(src, t.Taxonomy, t.AssemblyAccession, c)
				if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
					return nil, err
				}
			}
		}
		return &command.Result{}, nil
	}
}

var required = []models.Category{models.CategoryCurrent, models.CategoryMerged, models.CategoryDeprecated, models.CategoryMergedDeprecated}

func TestRunWritesPropertiesAndCollectsOutputs(t *testing.T) {
	dir := t.TempDir()
	target := cow()
	runner := &command.Fake{RunFunc: emitJob(target, dir, required...)}
	d := New(runner, Options{Jar: "/opt/release.jar", JVMArgs: []string{"-Xmx8g"}, User: "release", Password: "pw", AuthSource: "admin"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	art, err := d.Run(context.Background(), target, 40123, dir)
	require.NoError(t, err)
	assert.True(t, art.Has(models.CategoryCurrent))
	assert.False(t, art.Has(models.CategoryMultimap), "multimap is optional")
	assert.Equal(t, []models.Source{models.SourceDbSNP, models.SourceEVA}, art.Inputs[models.CategoryMerged])

	require.Len(t, runner.Calls, 1)
	call := runner.Calls[0]
	assert.Equal(t, command.Java, call.Tool)
	assert.Equal(t, []string{"-Xmx8g", "-jar", "/opt/release.jar", "--spring.config.location=file:" + PropertiesPath(dir, target)}, call.Args)

	raw, err := os.ReadFile(PropertiesPath(dir, target))
	require.NoError(t, err)
	props := string(raw)
	for _, line := range []string{
		"spring.batch.job.names=ACCESSION_RELEASE_JOB",
		"spring.data.mongodb.port=40123",
		"spring.data.mongodb.database=acc_9913_GCA_000003055_3",
		"parameters.taxonomyAccession=9913",
		"parameters.assemblyAccession=GCA_000003055.3",
		"parameters.contigNaming=SEQUENCE_NAME",
		"parameters.outputFolder=" + dir,
		"parameters.assemblyReportUrl=file:" + target.ReportPath,
	} {
		assert.Contains(t, props, line+"\n")
	}

	info, err := os.Stat(PropertiesPath(dir, target))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRunFailsWhenExpectedFileMissing(t *testing.T) {
	dir := t.TempDir()
	target := cow()
	runner := &command.Fake{RunFunc: emitJob(target, dir, models.CategoryCurrent)}
	d := New(runner, Options{Jar: "release.jar"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := d.Run(context.Background(), target, 1, dir)
	require.ErrorIs(t, err, releaseerr.ErrReleaseJob)
	assert.Contains(t, err.Error(), "eva_9913_GCA_000003055.3_deprecated_ids.unsorted.txt")
}

func TestRunNonZeroExit(t *testing.T) {
	runner := &command.Fake{RunFunc: func(_ context.Context, c command.Command) (*command.Result, error) {
		return &command.Result{ExitCode: 1}, &command.ExitError{Command: c.String(), ExitCode: 1}
	}}
	d := New(runner, Options{Jar: "release.jar"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := d.Run(context.Background(), cow(), 1, t.TempDir())
	assert.ErrorIs(t, err, releaseerr.ErrReleaseJob)
}
