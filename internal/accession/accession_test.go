package accession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mkoziy/genome/release/internal/models"
)

func TestCollectionNames(t *testing.T) {
	assert.Equal(t, "submittedVariantEntity", Collection(models.SourceEVA, SubmittedVariants))
	assert.Equal(t, "dbsnpSubmittedVariantOperationEntity", Collection(models.SourceDbSNP, SubmittedOperations))
	assert.Equal(t, "dbsnpClusteredVariantEntity", Collection(models.SourceDbSNP, ClusteredVariants))
	assert.Equal(t, "clusteredVariantOperationEntity", Collection(models.SourceEVA, ClusteredOperations))
}

func TestNamespacesFollowSources(t *testing.T) {
	assert.Len(t, Namespaces(models.SourcesBoth), 8)

	eva := Namespaces(models.SourcesEVA)
	require.Len(t, eva, 4)
	for _, ns := range eva {
		assert.Equal(t, models.SourceEVA, ns.Source)
		assert.NotContains(t, ns.Collection, "dbsnp")
	}
}

func TestFilterKeys(t *testing.T) {
	ss := Filter(SubmittedVariants, 9913, "GCA_000003055.3")
	assert.Equal(t, bson.D{{Key: "seq", Value: "GCA_000003055.3"}, {Key: "tax", Value: int64(9913)}}, ss)

	rs := Filter(ClusteredVariants, 9913, "GCA_000003055.3")
	assert.Equal(t, bson.D{{Key: "asm", Value: "GCA_000003055.3"}}, rs, "clustered filter ignores taxonomy")
}

func TestExtJSONFilter(t *testing.T) {
	got, err := ExtJSONFilter(SubmittedOperations, 9913, "GCA_000003055.3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"inactiveObjects.seq":"GCA_000003055.3","inactiveObjects.tax":9913}`, got)
}

func TestHasNonACGTN(t *testing.T) {
	assert.False(t, HasNonACGTN("ACGTNacgtn"))
	assert.False(t, HasNonACGTN(""))
	assert.True(t, HasNonACGTN("AR"))
	assert.True(t, HasNonACGTN("A-"))
}

func TestReasonQueries(t *testing.T) {
	ids := []int64{200, 300}
	merged := reasonQueries(ReasonMerged, ids)
	require.Len(t, merged, 1)
	assert.Equal(t, SubmittedOperations, merged[0].kind)
	assert.Equal(t, "MERGED", merged[0].filter[0].Value)

	tandem := reasonQueries(ReasonTandemRepeat, ids)
	require.Len(t, tandem, 1)
	assert.Equal(t, ClusteredVariants, tandem[0].kind)

	alleles := reasonQueries(ReasonNonACGTNAllele, ids)
	require.Len(t, alleles, 2)
	assert.True(t, alleles[1].matchInactive(inactiveObject{RS: 200, Ref: "A", Alt: "Y"}))
	assert.False(t, alleles[1].matchInactive(inactiveObject{RS: 200, Ref: "A", Alt: "T"}))

	assert.Len(t, Reasons, 4)
	for _, r := range Reasons {
		assert.NotEmpty(t, reasonQueries(r, ids), r)
	}
}

func TestIDSetOperations(t *testing.T) {
	a := NewIDSet(100, 200, 300)
	b := NewIDSet(100)

	assert.Equal(t, []int64{200, 300}, a.Minus(b).Sorted())
	assert.Equal(t, []int64{100}, a.Intersect(b).Sorted())

	a.Remove(200)
	assert.False(t, a.Has(200))
	assert.Equal(t, []int64{100, 300}, a.Sorted())
}

func TestBreakdownCountsRSOnceAcrossNamespaces(t *testing.T) {
	docs := []bson.D{
		{{Key: "accession", Value: int64(100)}},
		{{Key: "accession", Value: int64(200)}, {Key: "remappedFrom", Value: "GCA_000003055.3"}},
		{{Key: "accession", Value: int64(100)}},
		{{Key: "accession", Value: int64(200)}, {Key: "remappedFrom", Value: "GCA_000003055.3"}},
		{{Key: "accession", Value: int64(300)}},
	}
	b := newBreakdown()
	for _, d := range docs {
		raw, err := bson.Marshal(d)
		require.NoError(t, err)
		var v clusteredVariant
		require.NoError(t, bson.Unmarshal(raw, &v))
		b.addClustered(v)
	}
	b.split.Add(200)
	b.split.Add(200)
	b.ss = 7

	assert.Equal(t, models.RSCounts{ClusteredRS: 3, RemappedCurrentRS: 1, SplitRS: 1, SSClustered: 7}, b.counts())
}
