// Package releasefiles names, reads and counts the files of a release folder.
package releasefiles

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mkoziy/genome/release/internal/models"
)

// Fixed file names inside an assembly folder.
const (
	CountManifest   = "README_rs_ids_counts.txt"
	ManifestHeader  = "# Unique RS ID counts"
	BreakdownCounts = "release_breakdown_counts.json"
	Checkpoint      = ".release_checkpoint.json"
)

// Layout maps release versions and targets to folders under Root.
type Layout struct {
	Root string
}

// VersionDir is <root>/release_<version>.
func (l Layout) VersionDir(version int) string {
	return filepath.Join(l.Root, fmt.Sprintf("release_%d", version))
}

// SpeciesDir is the by_species folder of one species.
func (l Layout) SpeciesDir(version int, folder string) string {
	return filepath.Join(l.VersionDir(version), "by_species", folder)
}

// AssemblyDir is the output folder of one target.
func (l Layout) AssemblyDir(version int, folder, assembly string) string {
	return filepath.Join(l.SpeciesDir(version, folder), assembly)
}

// TargetDir is AssemblyDir for target.
func (l Layout) TargetDir(t *models.ReleaseTarget) string {
	return l.AssemblyDir(t.ReleaseVersion, t.ReleaseFolderName, t.AssemblyAccession)
}

// LogPath is the per-target log file.
func (l Layout) LogPath(t *models.ReleaseTarget) string {
	return filepath.Join(l.VersionDir(t.ReleaseVersion), "logs",
		fmt.Sprintf("%d_%s_release.log", t.Taxonomy, t.AssemblyAccession))
}

// Prefix is the "<taxonomy>_<assembly>" stem shared by a target's files.
func Prefix(taxonomy int64, assembly string) string {
	return fmt.Sprintf("%d_%s", taxonomy, assembly)
}

// ProvenanceInput is the release job output for one provenance and category.
func ProvenanceInput(src models.Source, taxonomy int64, assembly string, c models.Category) string {
	return src.Prefix() + Unsorted(taxonomy, assembly, c)
}

// Unsorted is the merged but unsorted intermediate of a category.
func Unsorted(taxonomy int64, assembly string, c models.Category) string {
	if c.IsVCF() {
		return fmt.Sprintf("%s_%s_unsorted.vcf", Prefix(taxonomy, assembly), c)
	}
	return fmt.Sprintf("%s_%s.unsorted.txt", Prefix(taxonomy, assembly), c)
}

// Sorted is the sorted, uncompressed intermediate of a category. VCFs carry
// GenBank contig names at this stage.
func Sorted(taxonomy int64, assembly string, c models.Category) string {
	if c.IsVCF() {
		return fmt.Sprintf("%s_%s_with_genbank.vcf", Prefix(taxonomy, assembly), c)
	}
	return fmt.Sprintf("%s_%s.txt", Prefix(taxonomy, assembly), c)
}

// GenBankVCF is the compressed VCF with GenBank contig names.
func GenBankVCF(taxonomy int64, assembly string, c models.Category) string {
	return Sorted(taxonomy, assembly, c) + ".gz"
}

// Final is the published file of a category: ENA-named VCF or compressed ids.
func Final(taxonomy int64, assembly string, c models.Category) string {
	if c.IsVCF() {
		return fmt.Sprintf("%s_%s.vcf.gz", Prefix(taxonomy, assembly), c)
	}
	return fmt.Sprintf("%s_%s.txt.gz", Prefix(taxonomy, assembly), c)
}

// CSI is the index file of a compressed VCF.
func CSI(name string) string { return name + ".csi" }

// Outputs lists the compressed files emitted for a category, published copy first.
func Outputs(taxonomy int64, assembly string, c models.Category) []string {
	if c.IsVCF() {
		return []string{Final(taxonomy, assembly, c), GenBankVCF(taxonomy, assembly, c)}
	}
	return []string{Final(taxonomy, assembly, c)}
}

// UnmappedIDs is the species-level file of RS ids with no assembly.
func UnmappedIDs(taxonomy int64) string {
	return fmt.Sprintf("%d_unmapped_ids.txt.gz", taxonomy)
}

// MissingRS is the residual list written when RS ids stay unexplained.
func MissingRS(taxonomy int64, assembly string) string {
	return Prefix(taxonomy, assembly) + "_missing_rs.txt"
}

// IDField is the 1-based column holding RS ids in files of category c.
func IDField(c models.Category) int {
	if c.IsVCF() {
		return 3
	}
	return 1
}

// Longest names first so merged_deprecated_ids is not read as deprecated_ids.
var categoriesBySuffix = func() []models.Category {
	cats := slices.Clone(models.Categories)
	slices.SortStableFunc(cats, func(a, b models.Category) int { return len(b) - len(a) })
	return cats
}()

// FileInfo describes a release file name.
type FileInfo struct {
	Taxonomy int64
	Assembly string
	Category models.Category
	GenBank  bool
}

// ParseName decodes a compressed release file name.
func ParseName(name string) (FileInfo, bool) {
	base := filepath.Base(name)
	for _, c := range categoriesBySuffix {
		for _, v := range []struct {
			suffix  string
			genbank bool
		}{
			{"_" + string(c) + "_with_genbank.vcf.gz", true},
			{"_" + string(c) + ".vcf.gz", false},
			{"_" + string(c) + ".txt.gz", false},
		} {
			stem, ok := strings.CutSuffix(base, v.suffix)
			if !ok {
				continue
			}
			taxPart, asm, ok := strings.Cut(stem, "_")
			if !ok || asm == "" {
				return FileInfo{}, false
			}
			tax, err := strconv.ParseInt(taxPart, 10, 64)
			if err != nil {
				return FileInfo{}, false
			}
			return FileInfo{Taxonomy: tax, Assembly: asm, Category: c, GenBank: v.genbank}, true
		}
	}
	return FileInfo{}, false
}
