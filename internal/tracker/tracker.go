// Package tracker is the release tracker: the table of (taxonomy, assembly,
// version) targets, their provenance, reference files and lifecycle.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/migrations"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/ratelimit"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/sources/metadata"
)

// Metadata discovers (taxonomy, assembly) pairs.
type Metadata interface {
	EVAAssemblies(ctx context.Context) ([]metadata.Pair, error)
	SupportedAssemblies(ctx context.Context) ([]metadata.Pair, error)
}

// NameResolver resolves scientific names of taxonomies.
type NameResolver interface {
	ScientificName(ctx context.Context, taxonomy int64) (string, error)
}

// Prober checks a provenance namespace of the source store for variants.
type Prober interface {
	Probe(ctx context.Context, src models.Source, taxonomy int64, assembly string) (accession.Probe, error)
}

// Options configure a Service.
type Options struct {
	// Instances is the staging instance pool assigned round-robin at seed time.
	Instances []string
	// GenomesDir holds <folder>/<assembly>/ reference files.
	GenomesDir string
	Retry      ratelimit.Config
}

// Service implements the tracker operations.
type Service struct {
	db     *bun.DB
	meta   Metadata
	names  NameResolver
	prober Prober
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New returns a tracker service. meta, names and prober may be nil for
// callers that only read or mark targets.
func New(db *bun.DB, meta Metadata, names NameResolver, prober Prober, opts Options, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		meta:   meta,
		names:  names,
		prober: prober,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSchema creates the tracker tables when missing.
func (s *Service) EnsureSchema(ctx context.Context) error {
	return migrations.RunMigrations(ctx, s.db, s.logger)
}

// ReferencePaths returns the fasta and assembly report locations of an assembly.
func ReferencePaths(genomesDir, folder, assembly string) (fasta, report string) {
	dir := filepath.Join(genomesDir, folder, assembly)
	return filepath.Join(dir, assembly+".fa"), filepath.Join(dir, assembly+"_assembly_report.txt")
}

// Get returns one target.
func (s *Service) Get(ctx context.Context, key models.Key) (*models.ReleaseTarget, error) {
	t, err := repositories.GetTarget(ctx, s.db, key)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, releaseerr.Newf(releaseerr.KindConfiguration, "get target", "no tracker row for %s", key)
	}
	return t, err
}

// NextTarget returns a Pending target that should be released, or nil when none is left.
func (s *Service) NextTarget(ctx context.Context, version int) (*models.ReleaseTarget, error) {
	t, err := repositories.NextPendingTarget(ctx, s.db, version)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// Mark moves a target to status and records the matching timestamp.
func (s *Service) Mark(ctx context.Context, key models.Key, status models.ReleaseStatus) error {
	op := fmt.Sprintf("mark %s", key)
	next, err := models.ParseReleaseStatus(string(status))
	if err != nil {
		return releaseerr.New(releaseerr.KindIllegalStateTransition, op, err)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		t, err := repositories.GetTarget(ctx, tx, key)
		if errors.Is(err, repositories.ErrNotFound) {
			return releaseerr.Newf(releaseerr.KindConfiguration, op, "no tracker row")
		}
		if err != nil {
			return err
		}
		if !t.ReleaseStatus.CanTransition(next) {
			return releaseerr.Newf(releaseerr.KindIllegalStateTransition, op, "%s -> %s", t.ReleaseStatus, next)
		}

		now := s.now()
		start, end := t.ReleaseStart, t.ReleaseEnd
		switch next {
		case models.StatusStarted:
			start, end = &now, nil
		case models.StatusCompleted, models.StatusFailed:
			end = &now
		}
		if err := repositories.UpdateStatus(ctx, tx, key, next, start, end); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.logger.Info("release status changed", "target", key.String(), "from", t.ReleaseStatus, "to", next)
		return nil
	})
}

// Targets lists the targets of a release matching filter.
func (s *Service) Targets(ctx context.Context, version int, filter repositories.TargetFilter) ([]*models.ReleaseTarget, error) {
	return repositories.ListTargets(ctx, s.db, version, filter)
}

// ComputeShouldBeReleased probes the source store for each provenance of the
// target and stores should_be_released, num_rs_to_release and the narrowed sources.
func (s *Service) ComputeShouldBeReleased(ctx context.Context, key models.Key) (*models.ReleaseTarget, error) {
	t, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	should, num, sources := false, int64(0), t.Sources
	if !t.IsUnmapped() {
		var contributing []models.Source
		var clustered, submitted int64
		for _, src := range t.Sources.List() {
			p, err := s.prober.Probe(ctx, src, t.Taxonomy, t.AssemblyAccession)
			if err != nil {
				return nil, fmt.Errorf("compute releasability of %s: %w", key, err)
			}
			if p.Contributes() {
				contributing = append(contributing, src)
			}
			clustered += p.ClusteredRS
			submitted += p.SubmittedRS
		}

		num = clustered
		if num == 0 {
			num = submitted
		}
		should = len(contributing) > 0 && num > 0
		if len(contributing) > 0 && len(contributing) < len(t.Sources.List()) {
			sources = models.NewSources(contributing...)
		}
	}

	err = ratelimit.Retry(ctx, s.opts.Retry, func(ctx context.Context) error {
		return repositories.UpdateReleasability(ctx, s.db, key, should, num, sources)
	})
	if err != nil {
		return nil, fmt.Errorf("store releasability of %s: %w", key, err)
	}
	t.ShouldBeReleased, t.NumRSToRelease, t.Sources = should, num, sources
	s.logger.Info("computed releasability", "target", key.String(), "should_be_released", should,
		"num_rs_to_release", num, "sources", sources)
	return t, nil
}

// ComputeAll runs ComputeShouldBeReleased over every target of a release.
func (s *Service) ComputeAll(ctx context.Context, version int) error {
	targets, err := repositories.ListTargets(ctx, s.db, version, repositories.TargetFilter{})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := s.ComputeShouldBeReleased(ctx, t.Key()); err != nil {
			return err
		}
	}
	return nil
}

func sortTargets(ts []*models.ReleaseTarget) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Taxonomy != ts[j].Taxonomy {
			return ts[i].Taxonomy < ts[j].Taxonomy
		}
		return ts[i].AssemblyAccession < ts[j].AssemblyAccession
	})
}
