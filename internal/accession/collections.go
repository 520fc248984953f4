// Package accession reads the variant accessioning store: the global source
// database and the per-target staging databases restored from it.
package accession

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mkoziy/genome/release/internal/models"
)

// Kind is one of the four collection roles present in each provenance namespace.
type Kind int

const (
	SubmittedVariants Kind = iota
	SubmittedOperations
	ClusteredVariants
	ClusteredOperations
)

// Kinds lists every collection role.
var Kinds = []Kind{SubmittedVariants, SubmittedOperations, ClusteredVariants, ClusteredOperations}

var baseNames = map[Kind]string{
	SubmittedVariants:   "submittedVariantEntity",
	SubmittedOperations: "submittedVariantOperationEntity",
	ClusteredVariants:   "clusteredVariantEntity",
	ClusteredOperations: "clusteredVariantOperationEntity",
}

func (k Kind) String() string { return baseNames[k] }

// Collection returns the collection name of kind k in namespace src.
func Collection(src models.Source, k Kind) string {
	base := baseNames[k]
	if src == models.SourceDbSNP {
		return "dbsnp" + strings.ToUpper(base[:1]) + base[1:]
	}
	return base
}

// Namespace pairs a collection with the filter selecting one target's slice of it.
type Namespace struct {
	Source     models.Source
	Kind       Kind
	Collection string
}

// Namespaces returns the collections present for a provenance set, in dump order.
func Namespaces(sources models.Sources) []Namespace {
	var out []Namespace
	for _, src := range sources.List() {
		for _, k := range Kinds {
			out = append(out, Namespace{Source: src, Kind: k, Collection: Collection(src, k)})
		}
	}
	return out
}

// Filter selects the documents of kind k belonging to (taxonomy, assembly).
// Submitted collections are filtered by assembly and taxonomy; clustered ones
// by assembly only since an RS may span taxonomies.
func Filter(k Kind, taxonomy int64, assembly string) bson.D {
	switch k {
	case SubmittedVariants:
		return bson.D{{Key: "seq", Value: assembly}, {Key: "tax", Value: taxonomy}}
	case SubmittedOperations:
		return bson.D{{Key: "inactiveObjects.seq", Value: assembly}, {Key: "inactiveObjects.tax", Value: taxonomy}}
	case ClusteredVariants:
		return bson.D{{Key: "asm", Value: assembly}}
	case ClusteredOperations:
		return bson.D{{Key: "inactiveObjects.asm", Value: assembly}}
	}
	panic(fmt.Sprintf("unknown collection kind %d", k))
}

// ExtJSONFilter renders Filter as relaxed extended JSON, the form mongodump --query accepts.
func ExtJSONFilter(k Kind, taxonomy int64, assembly string) (string, error) {
	b, err := bson.MarshalExtJSON(Filter(k, taxonomy, assembly), false, false)
	if err != nil {
		return "", fmt.Errorf("marshal filter: %w", err)
	}
	return string(b), nil
}
