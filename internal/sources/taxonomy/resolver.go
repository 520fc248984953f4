package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mkoziy/genome/release/internal/ratelimit"
	"github.com/mkoziy/genome/release/internal/releaseerr"
)

// Resolver turns taxonomy ids into scientific names, caching results.
type Resolver struct {
	client *Client
	retry  ratelimit.Config

	mu    sync.Mutex
	cache map[int64]string
}

// NewResolver wraps client with the given retry policy.
func NewResolver(client *Client, retry ratelimit.Config) *Resolver {
	return &Resolver{client: client, retry: retry, cache: make(map[int64]string)}
}

// ScientificName resolves a single taxonomy id.
func (r *Resolver) ScientificName(ctx context.Context, taxonomy int64) (string, error) {
	r.mu.Lock()
	name, ok := r.cache[taxonomy]
	r.mu.Unlock()
	if ok {
		return name, nil
	}

	var summaries map[int64]Summary
	err := ratelimit.Retry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		summaries, err = r.client.Summaries(ctx, []int64{taxonomy})
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return ratelimit.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", releaseerr.New(releaseerr.KindTaxonomyResolution, fmt.Sprintf("taxonomy %d", taxonomy), err)
	}

	s, ok := summaries[taxonomy]
	if !ok || s.ScientificName == "" {
		msg := "no scientific name"
		if ok && s.Error != "" {
			msg = s.Error
		}
		return "", releaseerr.Newf(releaseerr.KindTaxonomyResolution, fmt.Sprintf("taxonomy %d", taxonomy), "%s", msg)
	}

	r.mu.Lock()
	r.cache[taxonomy] = s.ScientificName
	r.mu.Unlock()
	return s.ScientificName, nil
}
