package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ReleaseStatus is the lifecycle state of a release target.
type ReleaseStatus string

const (
	StatusPending   ReleaseStatus = "Pending"
	StatusStarted   ReleaseStatus = "Started"
	StatusCompleted ReleaseStatus = "Completed"
	StatusFailed    ReleaseStatus = "Failed"
)

// ParseReleaseStatus accepts the canonical names case-insensitively.
func ParseReleaseStatus(s string) (ReleaseStatus, error) {
	for _, st := range []ReleaseStatus{StatusPending, StatusStarted, StatusCompleted, StatusFailed} {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown release status %q", s)
}

// CanTransition reports whether a target may move from s to next.
// Failed targets may be restarted; Completed is terminal for the version.
func (s ReleaseStatus) CanTransition(next ReleaseStatus) bool {
	switch s {
	case "", StatusPending:
		return next == StatusStarted
	case StatusStarted:
		return next == StatusCompleted || next == StatusFailed || next == StatusStarted
	case StatusFailed:
		return next == StatusStarted
	default:
		return false
	}
}

// Source is a provenance namespace.
type Source string

const (
	SourceEVA   Source = "EVA"
	SourceDbSNP Source = "DBSNP"
)

// Prefix is the file name prefix used for per-provenance release job outputs.
func (s Source) Prefix() string {
	return strings.ToLower(string(s)) + "_"
}

// Sources is the comma separated provenance set stored in the tracker, e.g. "DBSNP, EVA".
type Sources string

const (
	SourcesEVA   Sources = "EVA"
	SourcesDbSNP Sources = "DBSNP"
	SourcesBoth  Sources = "DBSNP, EVA"
)

// NewSources builds the canonical representation of a provenance set.
func NewSources(srcs ...Source) Sources {
	seen := make(map[Source]bool, len(srcs))
	names := make([]string, 0, len(srcs))
	for _, s := range srcs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, string(s))
	}
	sort.Strings(names)
	return Sources(strings.Join(names, ", "))
}

// List returns the provenance namespaces in canonical order.
func (s Sources) List() []Source {
	var out []Source
	for _, part := range strings.Split(string(s), ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		switch Source(part) {
		case SourceDbSNP, SourceEVA:
			out = append(out, Source(part))
		}
	}
	return out
}

// Has reports whether src belongs to the set.
func (s Sources) Has(src Source) bool {
	for _, x := range s.List() {
		if x == src {
			return true
		}
	}
	return false
}

// Union widens the set with other.
func (s Sources) Union(other Sources) Sources {
	return NewSources(append(s.List(), other.List()...)...)
}

// Covers reports whether s is a superset of other.
func (s Sources) Covers(other Sources) bool {
	for _, src := range other.List() {
		if !s.Has(src) {
			return false
		}
	}
	return true
}

// Valid reports whether the set is one of the three allowed values.
func (s Sources) Valid() bool {
	switch NewSources(s.List()...) {
	case SourcesEVA, SourcesDbSNP, SourcesBoth:
		return true
	}
	return false
}

// Category is a release artifact category.
type Category string

const (
	CategoryCurrent          Category = "current_ids"
	CategoryMerged           Category = "merged_ids"
	CategoryDeprecated       Category = "deprecated_ids"
	CategoryMergedDeprecated Category = "merged_deprecated_ids"
	CategoryMultimap         Category = "multimap_ids"
)

// Categories lists every category in release order.
var Categories = []Category{
	CategoryCurrent,
	CategoryMultimap,
	CategoryMerged,
	CategoryDeprecated,
	CategoryMergedDeprecated,
}

// IsVCF reports whether the category is published as VCF (otherwise plain text ids).
func (c Category) IsVCF() bool {
	switch c {
	case CategoryCurrent, CategoryMerged, CategoryMultimap:
		return true
	}
	return false
}

// Required reports whether the release job must always emit this category.
func (c Category) Required() bool {
	return c != CategoryMultimap
}

// UnmappedAssembly is the placeholder accession used for variants with no assembly.
const UnmappedAssembly = "Unmapped"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// ReleaseFolderName normalizes a scientific name into its release folder name:
// lower case with runs of non-alphanumerics collapsed to a single underscore.
func ReleaseFolderName(scientificName string) string {
	name := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(scientificName)), "_")
	return strings.Trim(name, "_")
}

// StagingDatabaseName is the per-target staging database name.
func StagingDatabaseName(taxonomy int64, assembly string) string {
	return fmt.Sprintf("acc_%d_%s", taxonomy, strings.ReplaceAll(assembly, ".", "_"))
}
