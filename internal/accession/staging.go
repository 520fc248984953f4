package accession

import (
	"context"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkoziy/genome/release/internal/models"
)

// Reason explains why an RS present in staging is absent from the release files.
type Reason string

const (
	ReasonMerged         Reason = "merged"
	ReasonDeclustered    Reason = "declustered"
	ReasonTandemRepeat   Reason = "tandem_repeat"
	ReasonNonACGTNAllele Reason = "non_acgtn_alleles"
)

// Reasons lists the exclusion reasons in the order they are applied.
var Reasons = []Reason{ReasonMerged, ReasonDeclustered, ReasonTandemRepeat, ReasonNonACGTNAllele}

const (
	eventMerged   = "MERGED"
	eventUpdated  = "UPDATED"
	eventRSSplit  = "RS_SPLIT"
	tandemRepeat  = "TANDEM_REPEAT"
	nonACGTNRegex = "[^acgtnACGTN]"
)

var nonACGTN = regexp.MustCompile(nonACGTNRegex)

// HasNonACGTN reports whether an allele contains a character outside acgtn.
func HasNonACGTN(allele string) bool {
	return nonACGTN.MatchString(allele)
}

type inactiveObject struct {
	Accession int64  `bson:"accession"`
	RS        int64  `bson:"rs,omitempty"`
	Seq       string `bson:"seq,omitempty"`
	Ref       string `bson:"ref,omitempty"`
	Alt       string `bson:"alt,omitempty"`
}

type operation struct {
	EventType       string           `bson:"eventType"`
	Reason          string           `bson:"reason,omitempty"`
	InactiveObjects []inactiveObject `bson:"inactiveObjects"`
}

type submittedVariant struct {
	RS  int64  `bson:"rs"`
	Ref string `bson:"ref"`
	Alt string `bson:"alt"`
}

type clusteredVariant struct {
	Accession    int64   `bson:"accession"`
	RemappedFrom *string `bson:"remappedFrom,omitempty"`
}

// Staging is one target's staging database.
type Staging struct {
	client   *mongo.Client
	db       *mongo.Database
	taxonomy int64
	assembly string
	sources  models.Sources
}

// NewStaging binds the staging database of target on client.
func NewStaging(client *mongo.Client, target *models.ReleaseTarget) *Staging {
	return &Staging{
		client:   client,
		db:       client.Database(target.StagingDatabase()),
		taxonomy: target.Taxonomy,
		assembly: target.AssemblyAccession,
		sources:  target.Sources,
	}
}

// Name returns the staging database name.
func (s *Staging) Name() string { return s.db.Name() }

// Drop removes the staging database.
func (s *Staging) Drop(ctx context.Context) error {
	if err := s.db.Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", s.db.Name(), err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Staging) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Staging) coll(src models.Source, k Kind) *mongo.Collection {
	return s.db.Collection(Collection(src, k))
}

// ReleasableRS returns the distinct RS accessions present in the clustered
// collections that are referenced by at least one submitted variant of the target.
func (s *Staging) ReleasableRS(ctx context.Context) (IDSet, error) {
	referenced := make(IDSet)
	clustered := make(IDSet)
	for _, src := range s.sources.List() {
		cur, err := s.coll(src, SubmittedVariants).Find(ctx, submittedWithRS(s.taxonomy, s.assembly),
			options.Find().SetProjection(bson.D{{Key: "rs", Value: 1}, {Key: "_id", Value: 0}}))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", Collection(src, SubmittedVariants), err)
		}
		if err := drain(ctx, cur, func(v submittedVariant) { referenced.Add(v.RS) }); err != nil {
			return nil, err
		}

		cur, err = s.coll(src, ClusteredVariants).Find(ctx, Filter(ClusteredVariants, s.taxonomy, s.assembly),
			options.Find().SetProjection(bson.D{{Key: "accession", Value: 1}, {Key: "_id", Value: 0}}))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", Collection(src, ClusteredVariants), err)
		}
		if err := drain(ctx, cur, func(v clusteredVariant) { clustered.Add(v.Accession) }); err != nil {
			return nil, err
		}
	}
	return clustered.Intersect(referenced), nil
}

// Accounted returns the subset of ids explained by reason.
func (s *Staging) Accounted(ctx context.Context, reason Reason, ids []int64) (IDSet, error) {
	found := make(IDSet)
	if len(ids) == 0 {
		return found, nil
	}
	wanted := NewIDSet(ids...)

	for _, src := range s.sources.List() {
		for _, q := range reasonQueries(reason, ids) {
			cur, err := s.coll(src, q.kind).Find(ctx, q.filter)
			if err != nil {
				return nil, fmt.Errorf("%s query on %s: %w", reason, Collection(src, q.kind), err)
			}
			switch q.kind {
			case SubmittedOperations:
				err = drain(ctx, cur, func(op operation) {
					for _, obj := range op.InactiveObjects {
						if wanted.Has(obj.RS) && q.matchInactive(obj) {
							found.Add(obj.RS)
						}
					}
				})
			case SubmittedVariants:
				err = drain(ctx, cur, func(v submittedVariant) { found.Add(v.RS) })
			case ClusteredVariants:
				err = drain(ctx, cur, func(v clusteredVariant) { found.Add(v.Accession) })
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return found, nil
}

type reasonQuery struct {
	kind          Kind
	filter        bson.D
	matchInactive func(inactiveObject) bool
}

func anyInactive(inactiveObject) bool { return true }

func invalidAlleles(o inactiveObject) bool { return HasNonACGTN(o.Ref) || HasNonACGTN(o.Alt) }

func reasonQueries(reason Reason, ids []int64) []reasonQuery {
	in := bson.D{{Key: "$in", Value: ids}}
	badAllele := bson.A{
		bson.D{{Key: "ref", Value: bson.D{{Key: "$regex", Value: nonACGTNRegex}}}},
		bson.D{{Key: "alt", Value: bson.D{{Key: "$regex", Value: nonACGTNRegex}}}},
	}

	switch reason {
	case ReasonMerged:
		return []reasonQuery{{
			kind:          SubmittedOperations,
			filter:        bson.D{{Key: "eventType", Value: eventMerged}, {Key: "inactiveObjects.rs", Value: in}},
			matchInactive: anyInactive,
		}}
	case ReasonDeclustered:
		return []reasonQuery{{
			kind: SubmittedOperations,
			filter: bson.D{
				{Key: "eventType", Value: eventUpdated},
				{Key: "reason", Value: bson.D{{Key: "$regex", Value: "^Declustered"}}},
				{Key: "inactiveObjects.rs", Value: in},
			},
			matchInactive: anyInactive,
		}}
	case ReasonTandemRepeat:
		return []reasonQuery{{
			kind:   ClusteredVariants,
			filter: bson.D{{Key: "accession", Value: in}, {Key: "type", Value: tandemRepeat}},
		}}
	case ReasonNonACGTNAllele:
		return []reasonQuery{
			{
				kind:   SubmittedVariants,
				filter: bson.D{{Key: "rs", Value: in}, {Key: "$or", Value: badAllele}},
			},
			{
				kind: SubmittedOperations,
				filter: bson.D{{Key: "inactiveObjects", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
					{Key: "rs", Value: in},
					{Key: "$or", Value: badAllele},
				}}}}},
				matchInactive: invalidAlleles,
			},
		}
	}
	return nil
}

// breakdown accumulates distinct RS accessions across provenance
// namespaces; an RS present in both namespaces is counted once.
type breakdown struct {
	clustered IDSet
	remapped  IDSet
	split     IDSet
	ss        int64
}

func newBreakdown() *breakdown {
	return &breakdown{clustered: make(IDSet), remapped: make(IDSet), split: make(IDSet)}
}

func (b *breakdown) addClustered(v clusteredVariant) {
	b.clustered.Add(v.Accession)
	if v.RemappedFrom != nil {
		b.remapped.Add(v.Accession)
	}
}

func (b *breakdown) counts() models.RSCounts {
	return models.RSCounts{
		ClusteredRS:       int64(len(b.clustered)),
		RemappedCurrentRS: int64(len(b.remapped)),
		SplitRS:           int64(len(b.split)),
		SSClustered:       b.ss,
	}
}

// Breakdown counts the clustering breakdown of the staging slice. RS counts
// are distinct over both namespaces; SS accessions of the two namespaces are
// disjoint, so submitted variants are summed.
func (s *Staging) Breakdown(ctx context.Context) (models.RSCounts, error) {
	b := newBreakdown()
	for _, src := range s.sources.List() {
		cur, err := s.coll(src, ClusteredVariants).Find(ctx, Filter(ClusteredVariants, s.taxonomy, s.assembly),
			options.Find().SetProjection(bson.D{{Key: "accession", Value: 1}, {Key: "remappedFrom", Value: 1}, {Key: "_id", Value: 0}}))
		if err != nil {
			return models.RSCounts{}, fmt.Errorf("count clustered: %w", err)
		}
		if err := drain(ctx, cur, b.addClustered); err != nil {
			return models.RSCounts{}, err
		}

		split := append(Filter(ClusteredOperations, s.taxonomy, s.assembly), bson.E{Key: "eventType", Value: eventRSSplit})
		cur, err = s.coll(src, ClusteredOperations).Find(ctx, split,
			options.Find().SetProjection(bson.D{{Key: "accession", Value: 1}, {Key: "_id", Value: 0}}))
		if err != nil {
			return models.RSCounts{}, fmt.Errorf("count split: %w", err)
		}
		if err := drain(ctx, cur, func(v clusteredVariant) { b.split.Add(v.Accession) }); err != nil {
			return models.RSCounts{}, err
		}

		n, err := s.coll(src, SubmittedVariants).CountDocuments(ctx, submittedWithRS(s.taxonomy, s.assembly))
		if err != nil {
			return models.RSCounts{}, fmt.Errorf("count clustered submitted: %w", err)
		}
		b.ss += n
	}
	return b.counts(), nil
}

func drain[T any](ctx context.Context, cur *mongo.Cursor, fn func(T)) error {
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		fn(v)
	}
	return cur.Err()
}
