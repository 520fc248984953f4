package tracker

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/sources/metadata"
)

// SeedResult summarizes a seed run.
type SeedResult struct {
	Inserted  int
	Widened   int
	Unchanged int
}

type candidate struct {
	key     models.Key
	name    string
	sources models.Sources
	fasta   string
	report  string
}

// Seed populates the rows of version from the rows of version-1, EVA
// metadata and the supported-assembly registry. Existing rows are kept when
// their sources already cover the candidate and widened otherwise. Nothing is
// written if any scientific name cannot be resolved.
func (s *Service) Seed(ctx context.Context, version int) (SeedResult, error) {
	var res SeedResult
	if version < 1 {
		return res, releaseerr.Newf(releaseerr.KindConfiguration, "seed", "invalid release version %d", version)
	}

	candidates, err := s.candidates(ctx, version)
	if err != nil {
		return res, err
	}
	if err := s.resolveNames(ctx, candidates); err != nil {
		return res, err
	}

	existing, err := repositories.ListTargets(ctx, s.db, version, repositories.TargetFilter{})
	if err != nil {
		return res, fmt.Errorf("load release %d: %w", version, err)
	}
	current := make(map[models.Key]*models.ReleaseTarget, len(existing))
	for _, t := range existing {
		current[t.Key()] = t
	}

	var rows []*models.ReleaseTarget
	for i, c := range candidates {
		if prev, ok := current[c.key]; ok {
			if prev.Sources.Covers(c.sources) {
				res.Unchanged++
				continue
			}
			widened := *prev
			widened.Sources = prev.Sources.Union(c.sources)
			rows = append(rows, &widened)
			res.Widened++
			continue
		}
		rows = append(rows, s.newTarget(c, i))
		res.Inserted++
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return repositories.UpsertTargets(ctx, tx, rows)
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed release %d: %w", version, err)
	}
	s.logger.Info("seeded release tracker", "release_version", version,
		"inserted", res.Inserted, "widened", res.Widened, "unchanged", res.Unchanged)
	return res, nil
}

func (s *Service) newTarget(c *candidate, index int) *models.ReleaseTarget {
	folder := models.ReleaseFolderName(c.name)
	fasta, report := c.fasta, c.report
	if fasta == "" || report == "" {
		fasta, report = ReferencePaths(s.opts.GenomesDir, folder, c.key.Assembly)
	}
	t := &models.ReleaseTarget{
		Taxonomy:          c.key.Taxonomy,
		AssemblyAccession: c.key.Assembly,
		ReleaseVersion:    c.key.ReleaseVersion,
		ScientificName:    c.name,
		Sources:           c.sources,
		ReleaseStatus:     models.StatusPending,
		FastaPath:         fasta,
		ReportPath:        report,
		ReleaseFolderName: folder,
	}
	if len(s.opts.Instances) > 0 {
		t.StagingInstance = s.opts.Instances[index%len(s.opts.Instances)]
	}
	if t.IsUnmapped() {
		t.FastaPath, t.ReportPath = "", ""
	}
	return t
}

// candidates unions the three seed sources, ordered by (taxonomy, assembly).
func (s *Service) candidates(ctx context.Context, version int) ([]*candidate, error) {
	byKey := make(map[models.Key]*candidate)
	var order []*models.ReleaseTarget

	add := func(tax int64, asm, name string, sources models.Sources) *candidate {
		key := models.Key{Taxonomy: tax, Assembly: asm, ReleaseVersion: version}
		c, ok := byKey[key]
		if !ok {
			c = &candidate{key: key, sources: sources}
			byKey[key] = c
			order = append(order, &models.ReleaseTarget{Taxonomy: tax, AssemblyAccession: asm})
		} else {
			c.sources = c.sources.Union(sources)
		}
		if c.name == "" {
			c.name = name
		}
		return c
	}

	if version > 1 {
		prev, err := repositories.ListTargets(ctx, s.db, version-1, repositories.TargetFilter{})
		if err != nil {
			return nil, fmt.Errorf("load release %d: %w", version-1, err)
		}
		for _, t := range prev {
			c := add(t.Taxonomy, t.AssemblyAccession, t.ScientificName, t.Sources)
			c.fasta, c.report = t.FastaPath, t.ReportPath
		}
	}

	if s.meta != nil {
		for _, load := range []func(context.Context) ([]metadata.Pair, error){s.meta.EVAAssemblies, s.meta.SupportedAssemblies} {
			pairs, err := load(ctx)
			if err != nil {
				return nil, releaseerr.New(releaseerr.KindConfiguration, "seed", err)
			}
			for _, p := range pairs {
				add(p.Taxonomy, p.Assembly, p.ScientificName, p.Sources)
			}
		}
	}

	sortTargets(order)
	out := make([]*candidate, len(order))
	for i, t := range order {
		out[i] = byKey[models.Key{Taxonomy: t.Taxonomy, Assembly: t.AssemblyAccession, ReleaseVersion: version}]
	}
	return out, nil
}

func (s *Service) resolveNames(ctx context.Context, candidates []*candidate) error {
	known := make(map[int64]string)
	for _, c := range candidates {
		if c.name != "" {
			known[c.key.Taxonomy] = c.name
		}
	}
	for _, c := range candidates {
		if c.name != "" {
			continue
		}
		if name, ok := known[c.key.Taxonomy]; ok {
			c.name = name
			continue
		}
		if s.names == nil {
			return releaseerr.Newf(releaseerr.KindTaxonomyResolution, "seed", "no scientific name for taxonomy %d", c.key.Taxonomy)
		}
		name, err := s.names.ScientificName(ctx, c.key.Taxonomy)
		if err != nil {
			return err
		}
		known[c.key.Taxonomy] = name
		c.name = name
	}
	return nil
}
