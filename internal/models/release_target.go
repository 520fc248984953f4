package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ReleaseTarget is one (taxonomy, assembly, version) row of the release tracker.
type ReleaseTarget struct {
	bun.BaseModel `bun:"table:release_tracker,alias:rt"`

	Taxonomy          int64         `bun:"taxonomy,pk" json:"taxonomy"`
	AssemblyAccession string        `bun:"assembly_accession,pk" json:"assembly_accession"`
	ReleaseVersion    int           `bun:"release_version,pk" json:"release_version"`
	ScientificName    string        `bun:"scientific_name,notnull" json:"scientific_name"`
	Sources           Sources       `bun:"sources,notnull" json:"sources"`
	ReleaseStatus     ReleaseStatus `bun:"release_status,notnull,default:'Pending'" json:"release_status"`
	ReleaseStart      *time.Time    `bun:"release_start" json:"release_start,omitempty"`
	ReleaseEnd        *time.Time    `bun:"release_end" json:"release_end,omitempty"`
	FastaPath         string        `bun:"fasta_path" json:"fasta_path"`
	ReportPath        string        `bun:"report_path" json:"report_path"`
	StagingInstance   string        `bun:"tempmongo_instance" json:"tempmongo_instance"`
	ShouldBeReleased  bool          `bun:"should_be_released,notnull" json:"should_be_released"`
	NumRSToRelease    int64         `bun:"num_rs_to_release,notnull" json:"num_rs_to_release"`
	ReleaseFolderName string        `bun:"release_folder_name" json:"release_folder_name"`
}

// Key is the composite primary key of a target.
type Key struct {
	Taxonomy       int64
	Assembly       string
	ReleaseVersion int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/v%d", k.Taxonomy, k.Assembly, k.ReleaseVersion)
}

// Key returns the target's primary key.
func (t *ReleaseTarget) Key() Key {
	return Key{Taxonomy: t.Taxonomy, Assembly: t.AssemblyAccession, ReleaseVersion: t.ReleaseVersion}
}

// IsUnmapped reports whether the target holds variants with no assembly.
func (t *ReleaseTarget) IsUnmapped() bool {
	return t.AssemblyAccession == UnmappedAssembly
}

// StagingDatabase returns the name of the target's staging database.
func (t *ReleaseTarget) StagingDatabase() string {
	return StagingDatabaseName(t.Taxonomy, t.AssemblyAccession)
}

// Validate checks the row invariants.
func (t *ReleaseTarget) Validate() error {
	if t.Taxonomy <= 0 {
		return errors.New("taxonomy must be positive")
	}
	if t.AssemblyAccession == "" {
		return errors.New("assembly accession is required")
	}
	if t.ReleaseVersion <= 0 {
		return errors.New("release version must be positive")
	}
	if !t.Sources.Valid() {
		return fmt.Errorf("invalid sources %q", t.Sources)
	}
	if t.NumRSToRelease < 0 {
		return errors.New("num_rs_to_release must not be negative")
	}
	if t.IsUnmapped() && t.ShouldBeReleased {
		return errors.New("unmapped targets cannot be released")
	}
	if t.ShouldBeReleased && t.NumRSToRelease <= 0 {
		return errors.New("targets to release need at least one RS")
	}
	return nil
}
