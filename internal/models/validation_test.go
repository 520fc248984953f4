package models

import "testing"

func TestReleaseTargetValidate(t *testing.T) {
	valid := &ReleaseTarget{
		Taxonomy:          9913,
		AssemblyAccession: "GCA_000003055.3",
		ReleaseVersion:    2,
		ScientificName:    "Bos taurus",
		Sources:           SourcesBoth,
		ShouldBeReleased:  true,
		NumRSToRelease:    10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid target, got error: %v", err)
	}

	noRS := *valid
	noRS.NumRSToRelease = 0
	if err := noRS.Validate(); err == nil {
		t.Fatalf("expected error when releasing a target with no RS")
	}

	unmapped := *valid
	unmapped.AssemblyAccession = UnmappedAssembly
	if err := unmapped.Validate(); err == nil {
		t.Fatalf("expected error for unmapped target marked for release")
	}

	if err := (&ReleaseTarget{}).Validate(); err == nil {
		t.Fatalf("expected error for empty target")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ReleaseStatus
		ok       bool
	}{
		{StatusPending, StatusStarted, true},
		{StatusPending, StatusCompleted, false},
		{StatusStarted, StatusCompleted, true},
		{StatusStarted, StatusFailed, true},
		{StatusFailed, StatusStarted, true},
		{StatusCompleted, StatusStarted, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}

	if _, err := ParseReleaseStatus("done"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if st, err := ParseReleaseStatus("completed"); err != nil || st != StatusCompleted {
		t.Fatalf("expected Completed, got %q (%v)", st, err)
	}
}

func TestSources(t *testing.T) {
	if got := NewSources(SourceEVA, SourceDbSNP, SourceEVA); got != SourcesBoth {
		t.Fatalf("expected %q, got %q", SourcesBoth, got)
	}
	if got := SourcesEVA.Union(SourcesDbSNP); got != SourcesBoth {
		t.Fatalf("expected widening to %q, got %q", SourcesBoth, got)
	}
	if !SourcesBoth.Covers(SourcesEVA) || SourcesEVA.Covers(SourcesBoth) {
		t.Fatalf("unexpected Covers result")
	}
	if !Sources("EVA,DBSNP").Valid() {
		t.Fatalf("expected unordered sources to be valid")
	}
	if Sources("FOO").Valid() {
		t.Fatalf("expected unknown sources to be invalid")
	}
	if SourceDbSNP.Prefix() != "dbsnp_" {
		t.Fatalf("unexpected prefix %s", SourceDbSNP.Prefix())
	}
}

func TestNaming(t *testing.T) {
	if got := ReleaseFolderName("Bos taurus"); got != "bos_taurus" {
		t.Fatalf("unexpected folder name %s", got)
	}
	if got := ReleaseFolderName("  Canis lupus familiaris (dog) "); got != "canis_lupus_familiaris_dog" {
		t.Fatalf("unexpected folder name %s", got)
	}
	if got := StagingDatabaseName(9913, "GCA_000003055.3"); got != "acc_9913_GCA_000003055_3" {
		t.Fatalf("unexpected staging db %s", got)
	}
}

func TestMetricHelpers(t *testing.T) {
	var c RSCounts
	c.Set(MetricMergedRS, 5)
	if c.Get(MetricMergedRS) != 5 {
		t.Fatalf("expected merged_rs=5")
	}
	if Increase(169101573, 169904286) != 0 {
		t.Fatalf("expected clamped increase")
	}
	if Increase(10, 4) != 6 {
		t.Fatalf("expected increase of 6")
	}
	c.CurrentRS = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for negative count")
	}
	if CategoryMetric(CategoryMultimap) != MetricMultiMappedRS {
		t.Fatalf("unexpected metric for multimap")
	}
}
