// Package metadata reads (taxonomy, assembly) pairs from the EVA metadata database.
package metadata

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
)

// DefaultSchema is the schema holding the EVA metadata tables.
const DefaultSchema = "evapro"

// Pair is a (taxonomy, assembly) pair discovered in metadata.
type Pair struct {
	Taxonomy       int64          `bun:"taxonomy"`
	Assembly       string         `bun:"assembly"`
	ScientificName string         `bun:"scientific_name"`
	Sources        models.Sources `bun:"-"`
}

// Store queries project/analysis metadata and the supported-assembly registry.
type Store struct {
	db     bun.IDB
	schema string
}

// NewStore returns a Store reading tables from schema (DefaultSchema when empty).
func NewStore(db bun.IDB, schema string) *Store {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Store{db: db, schema: schema}
}

// EVAAssemblies returns pairs referenced by browsable EVA analyses.
func (s *Store) EVAAssemblies(ctx context.Context) ([]Pair, error) {
	var pairs []Pair
	err := s.db.NewRaw(`
		SELECT DISTINCT a.tax_id AS taxonomy,
		       a.vcf_reference_accession AS assembly,
		       COALESCE(t.scientific_name, '') AS scientific_name
		FROM ?0.analysis AS a
		JOIN ?0.project_analysis AS pa ON pa.analysis_accession = a.analysis_accession
		LEFT JOIN ?0.taxonomy AS t ON t.taxonomy_id = a.tax_id
		WHERE a.hidden_in_eva = 0
		  AND a.vcf_reference_accession LIKE 'GCA%'
		ORDER BY taxonomy, assembly`, bun.Ident(s.schema)).Scan(ctx, &pairs)
	if err != nil {
		return nil, fmt.Errorf("query EVA analysis assemblies: %w", err)
	}
	for i := range pairs {
		pairs[i].Sources = models.SourcesEVA
	}
	return pairs, nil
}

// SupportedAssemblies returns the current entries of the supported-assembly registry.
func (s *Store) SupportedAssemblies(ctx context.Context) ([]Pair, error) {
	var pairs []Pair
	err := s.db.NewRaw(`
		SELECT DISTINCT sat.taxonomy_id AS taxonomy,
		       sat.assembly_id AS assembly,
		       COALESCE(t.scientific_name, '') AS scientific_name
		FROM ?0.supported_assembly_tracker AS sat
		LEFT JOIN ?0.taxonomy AS t ON t.taxonomy_id = sat.taxonomy_id
		WHERE sat.current = ?1
		ORDER BY taxonomy, assembly`, bun.Ident(s.schema), true).Scan(ctx, &pairs)
	if err != nil {
		return nil, fmt.Errorf("query supported assemblies: %w", err)
	}
	for i := range pairs {
		pairs[i].Sources = models.SourcesBoth
	}
	return pairs, nil
}
