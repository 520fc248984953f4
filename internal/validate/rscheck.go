package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

// BatchSize bounds the ids sent in one staging query.
const BatchSize = 1000

// RSStore is the part of the staging database the RS check reads.
type RSStore interface {
	ReleasableRS(ctx context.Context) (accession.IDSet, error)
	Accounted(ctx context.Context, reason accession.Reason, ids []int64) (accession.IDSet, error)
}

// RSCheck is the outcome of the RS completeness check.
type RSCheck struct {
	StagingRS  int
	ReleasedRS int
	Missing    int
	Accounted  map[accession.Reason]int
	Residual   []int64
}

// ReleasedRS collects the RS ids of every release file present in dir.
func ReleasedRS(t *models.ReleaseTarget, dir string) (accession.IDSet, error) {
	released := make(accession.IDSet)
	for _, c := range models.Categories {
		path := filepath.Join(dir, releasefiles.Final(t.Taxonomy, t.AssemblyAccession, c))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		ids, err := releasefiles.RSIDs(path, releasefiles.IDField(c))
		if err != nil {
			return nil, err
		}
		for id := range ids {
			released.Add(id)
		}
	}
	return released, nil
}

// CheckRS subtracts the released ids from the releasable staging ids, then
// removes the ids explained by each exclusion reason in turn. A non-empty
// residual is written to the missing RS file of dir and fails the target.
func CheckRS(ctx context.Context, store RSStore, t *models.ReleaseTarget, dir string) (*RSCheck, error) {
	op := fmt.Sprintf("rs check %s", t.Key())
	staging, err := store.ReleasableRS(ctx)
	if err != nil {
		return nil, wrap(op, err)
	}
	released, err := ReleasedRS(t, dir)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindValidation, op, err)
	}

	missing := staging.Minus(released)
	check := &RSCheck{
		StagingRS:  len(staging),
		ReleasedRS: len(released),
		Missing:    len(missing),
		Accounted:  make(map[accession.Reason]int),
	}

	for _, reason := range accession.Reasons {
		if len(missing) == 0 {
			break
		}
		ids := missing.Sorted()
		for start := 0; start < len(ids); start += BatchSize {
			end := min(start+BatchSize, len(ids))
			found, err := store.Accounted(ctx, reason, ids[start:end])
			if err != nil {
				return nil, wrap(op, err)
			}
			for id := range found {
				if missing.Has(id) {
					missing.Remove(id)
					check.Accounted[reason]++
				}
			}
		}
	}

	check.Residual = missing.Sorted()
	missingPath := filepath.Join(dir, releasefiles.MissingRS(t.Taxonomy, t.AssemblyAccession))
	if len(check.Residual) == 0 {
		_ = os.Remove(missingPath)
		return check, nil
	}

	if err := writeIDs(missingPath, check.Residual); err != nil {
		return nil, releaseerr.New(releaseerr.KindValidation, op, err)
	}
	return check, releaseerr.Newf(releaseerr.KindUnattributedMissingRS, op,
		"%d RS unexplained (%s), see %s", len(check.Residual), preview(check.Residual, 10), missingPath)
}

func wrap(op string, err error) error {
	if isCanceled(err) {
		return err
	}
	return releaseerr.New(releaseerr.KindValidation, op, err)
}

func writeIDs(path string, ids []int64) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString("rs")
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func preview(ids []int64, n int) string {
	parts := make([]string, 0, n+1)
	for i, id := range ids {
		if i == n {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, "rs"+strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}
