package models

import (
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// RSCounts holds the absolute RS counts shared by assembly and species rows.
type RSCounts struct {
	CurrentRS          int64 `bun:"current_rs,notnull" json:"current_rs"`
	MultiMappedRS      int64 `bun:"multi_mapped_rs,notnull" json:"multi_mapped_rs"`
	MergedRS           int64 `bun:"merged_rs,notnull" json:"merged_rs"`
	DeprecatedRS       int64 `bun:"deprecated_rs,notnull" json:"deprecated_rs"`
	MergedDeprecatedRS int64 `bun:"merged_deprecated_rs,notnull" json:"merged_deprecated_rs"`
	ClusteredRS        int64 `bun:"clustered_rs,notnull" json:"clustered_rs"`
	RemappedCurrentRS  int64 `bun:"remapped_current_rs,notnull" json:"remapped_current_rs"`
	SplitRS            int64 `bun:"split_rs,notnull" json:"split_rs"`
	SSClustered        int64 `bun:"ss_clustered,notnull" json:"ss_clustered"`
}

// RSDeltas holds the per-release increments.
type RSDeltas struct {
	NewCurrentRS          int64 `bun:"new_current_rs,notnull" json:"new_current_rs"`
	NewMultiMappedRS      int64 `bun:"new_multi_mapped_rs,notnull" json:"new_multi_mapped_rs"`
	NewMergedRS           int64 `bun:"new_merged_rs,notnull" json:"new_merged_rs"`
	NewDeprecatedRS       int64 `bun:"new_deprecated_rs,notnull" json:"new_deprecated_rs"`
	NewMergedDeprecatedRS int64 `bun:"new_merged_deprecated_rs,notnull" json:"new_merged_deprecated_rs"`
	NewRemappedCurrentRS  int64 `bun:"new_remapped_current_rs,notnull" json:"new_remapped_current_rs"`
	NewSplitRS            int64 `bun:"new_split_rs,notnull" json:"new_split_rs"`
	NewSSClustered        int64 `bun:"new_ss_clustered,notnull" json:"new_ss_clustered"`
}

// AssemblyMetrics is the per-(taxonomy, assembly, version) statistics row.
type AssemblyMetrics struct {
	bun.BaseModel `bun:"table:release_rs_statistics_per_assembly,alias:am"`

	Taxonomy          int64     `bun:"taxonomy,pk" json:"taxonomy"`
	AssemblyAccession string    `bun:"assembly_accession,pk" json:"assembly_accession"`
	ReleaseVersion    int       `bun:"release_version,pk" json:"release_version"`
	ScientificName    string    `bun:"scientific_name" json:"scientific_name"`
	ReleaseFolderName string    `bun:"release_folder_name" json:"release_folder_name"`
	Processed         bool      `bun:"processed,notnull" json:"processed"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`

	RSCounts
	RSDeltas
}

// SpeciesMetrics is the per-(taxonomy, version) statistics row.
type SpeciesMetrics struct {
	bun.BaseModel `bun:"table:release_rs_statistics_per_species,alias:sm"`

	Taxonomy          int64     `bun:"taxonomy,pk" json:"taxonomy"`
	ReleaseVersion    int       `bun:"release_version,pk" json:"release_version"`
	ScientificName    string    `bun:"scientific_name" json:"scientific_name"`
	ReleaseFolderName string    `bun:"release_folder_name" json:"release_folder_name"`
	NumAssemblies     int       `bun:"num_assemblies,notnull" json:"num_assemblies"`
	UnmappedRS        int64     `bun:"unmapped_rs,notnull" json:"unmapped_rs"`
	NewUnmappedRS     int64     `bun:"new_unmapped_rs,notnull" json:"new_unmapped_rs"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`

	RSCounts
	RSDeltas
}

// Metric names a single count column, used by QC reports.
type Metric string

const (
	MetricCurrentRS          Metric = "current_rs"
	MetricMultiMappedRS      Metric = "multi_mapped_rs"
	MetricMergedRS           Metric = "merged_rs"
	MetricDeprecatedRS       Metric = "deprecated_rs"
	MetricMergedDeprecatedRS Metric = "merged_deprecated_rs"
)

// FileMetrics are the metrics derived from release files.
var FileMetrics = []Metric{
	MetricCurrentRS,
	MetricMultiMappedRS,
	MetricMergedRS,
	MetricDeprecatedRS,
	MetricMergedDeprecatedRS,
}

// CategoryMetric maps a release category to the metric it feeds.
func CategoryMetric(c Category) Metric {
	switch c {
	case CategoryCurrent:
		return MetricCurrentRS
	case CategoryMultimap:
		return MetricMultiMappedRS
	case CategoryMerged:
		return MetricMergedRS
	case CategoryDeprecated:
		return MetricDeprecatedRS
	case CategoryMergedDeprecated:
		return MetricMergedDeprecatedRS
	}
	return ""
}

// Get returns the value of a file metric.
func (c RSCounts) Get(m Metric) int64 {
	switch m {
	case MetricCurrentRS:
		return c.CurrentRS
	case MetricMultiMappedRS:
		return c.MultiMappedRS
	case MetricMergedRS:
		return c.MergedRS
	case MetricDeprecatedRS:
		return c.DeprecatedRS
	case MetricMergedDeprecatedRS:
		return c.MergedDeprecatedRS
	}
	return 0
}

// Set assigns a file metric.
func (c *RSCounts) Set(m Metric, v int64) {
	switch m {
	case MetricCurrentRS:
		c.CurrentRS = v
	case MetricMultiMappedRS:
		c.MultiMappedRS = v
	case MetricMergedRS:
		c.MergedRS = v
	case MetricDeprecatedRS:
		c.DeprecatedRS = v
	case MetricMergedDeprecatedRS:
		c.MergedDeprecatedRS = v
	}
}

// Add sums other into c.
func (c *RSCounts) Add(other RSCounts) {
	c.CurrentRS += other.CurrentRS
	c.MultiMappedRS += other.MultiMappedRS
	c.MergedRS += other.MergedRS
	c.DeprecatedRS += other.DeprecatedRS
	c.MergedDeprecatedRS += other.MergedDeprecatedRS
	c.ClusteredRS += other.ClusteredRS
	c.RemappedCurrentRS += other.RemappedCurrentRS
	c.SplitRS += other.SplitRS
	c.SSClustered += other.SSClustered
}

// Add sums other into d.
func (d *RSDeltas) Add(other RSDeltas) {
	d.NewCurrentRS += other.NewCurrentRS
	d.NewMultiMappedRS += other.NewMultiMappedRS
	d.NewMergedRS += other.NewMergedRS
	d.NewDeprecatedRS += other.NewDeprecatedRS
	d.NewMergedDeprecatedRS += other.NewMergedDeprecatedRS
	d.NewRemappedCurrentRS += other.NewRemappedCurrentRS
	d.NewSplitRS += other.NewSplitRS
	d.NewSSClustered += other.NewSSClustered
}

// Validate checks that no count is negative.
func (c RSCounts) Validate() error {
	for _, v := range []int64{c.CurrentRS, c.MultiMappedRS, c.MergedRS, c.DeprecatedRS, c.MergedDeprecatedRS,
		c.ClusteredRS, c.RemappedCurrentRS, c.SplitRS, c.SSClustered} {
		if v < 0 {
			return errors.New("counts must not be negative")
		}
	}
	return nil
}

// Validate checks that no delta is negative.
func (d RSDeltas) Validate() error {
	for _, v := range []int64{d.NewCurrentRS, d.NewMultiMappedRS, d.NewMergedRS, d.NewDeprecatedRS,
		d.NewMergedDeprecatedRS, d.NewRemappedCurrentRS, d.NewSplitRS, d.NewSSClustered} {
		if v < 0 {
			return errors.New("deltas must not be negative")
		}
	}
	return nil
}

// Increase is max(0, cur-prev).
func Increase(cur, prev int64) int64 {
	if cur > prev {
		return cur - prev
	}
	return 0
}
