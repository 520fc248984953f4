package accession

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/ratelimit"
)

// Probe is the outcome of probing one provenance namespace for a target.
type Probe struct {
	Source         models.Source
	HasSubmittedRS bool
	SubmittedRS    int64
	ClusteredRS    int64
}

// Contributes reports whether the namespace holds releasable variants.
func (p Probe) Contributes() bool {
	return p.HasSubmittedRS || p.ClusteredRS > 0
}

// SourceStore is the read-only global accessioning database.
type SourceStore struct {
	db    *mongo.Database
	retry ratelimit.Config
}

// NewSourceStore wraps the source database.
func NewSourceStore(db *mongo.Database, retry ratelimit.Config) *SourceStore {
	return &SourceStore{db: db, retry: retry}
}

// Database returns the source database name.
func (s *SourceStore) Database() string { return s.db.Name() }

func submittedWithRS(taxonomy int64, assembly string) bson.D {
	return append(Filter(SubmittedVariants, taxonomy, assembly), bson.E{Key: "rs", Value: bson.D{{Key: "$exists", Value: true}}})
}

// Probe checks whether (taxonomy, assembly) has clustered SS or RS records in namespace src.
func (s *SourceStore) Probe(ctx context.Context, src models.Source, taxonomy int64, assembly string) (Probe, error) {
	p := Probe{Source: src}
	ssColl := s.db.Collection(Collection(src, SubmittedVariants))
	rsColl := s.db.Collection(Collection(src, ClusteredVariants))

	err := ratelimit.Retry(ctx, s.retry, func(ctx context.Context) error {
		n, err := ssColl.CountDocuments(ctx, submittedWithRS(taxonomy, assembly), options.Count().SetLimit(1))
		if err != nil {
			return err
		}
		p.HasSubmittedRS = n > 0

		rsFilter := append(Filter(ClusteredVariants, taxonomy, assembly), bson.E{Key: "tax", Value: taxonomy})
		p.ClusteredRS, err = rsColl.CountDocuments(ctx, rsFilter)
		if err != nil {
			return err
		}
		if p.ClusteredRS == 0 && p.HasSubmittedRS {
			p.SubmittedRS, err = ssColl.CountDocuments(ctx, submittedWithRS(taxonomy, assembly))
		}
		return err
	})
	if err != nil {
		return Probe{}, fmt.Errorf("probe %s for %d/%s: %w", src, taxonomy, assembly, err)
	}
	return p, nil
}
