package wikidata

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultCacheSize = 10000

// CachedService memoises lookups and alias fetches of another service.
// Searches are not cached because their ranking depends on the dates.
type CachedService struct {
	next    ExternalIdentityService
	entries *lru.Cache
	aliases *lru.Cache
}

func NewCachedService(next ExternalIdentityService, size int) (*CachedService, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	aliases, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedService{next: next, entries: entries, aliases: aliases}, nil
}

func (c *CachedService) LookupByQID(ctx context.Context, qid string) (*Entry, error) {
	if v, ok := c.entries.Get(qid); ok {
		return v.(*Entry), nil
	}
	e, err := c.next.LookupByQID(ctx, qid)
	if err != nil {
		return nil, err
	}
	c.entries.Add(qid, e)
	return e, nil
}

func (c *CachedService) SearchByNameAndDates(ctx context.Context, name string, birthYear, deathYear *int) ([]Candidate, error) {
	return c.next.SearchByNameAndDates(ctx, name, birthYear, deathYear)
}

func (c *CachedService) FetchAliases(ctx context.Context, qid string, languages []string) ([]string, error) {
	key := qid + "|" + strings.Join(languages, ",")
	if v, ok := c.aliases.Get(key); ok {
		return v.([]string), nil
	}
	out, err := c.next.FetchAliases(ctx, qid, languages)
	if err != nil {
		return nil, err
	}
	c.aliases.Add(key, out)
	return out, nil
}
