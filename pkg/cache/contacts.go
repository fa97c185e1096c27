package cache

import (
	"context"
	"sync"

	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/rs/zerolog"
)

// Fetcher decodes a single endpoint. Implemented by the Cliniko client.
type Fetcher interface {
	FetchInto(ctx context.Context, endpoint string, v any) error
}

// Waiter gates each uncached fetch against the rate budget.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Options configures a contact cache.
type Options struct {
	// CacheFailures remembers failed URLs for the rest of the run instead of
	// fetching them again on the next occurrence.
	CacheFailures bool
}

// Stats are the lookup counters of one run. Every Resolve call increments
// exactly one of them.
type Stats struct {
	Hits      int `json:"contactCacheHits"`
	Successes int `json:"contactFetchSuccess"`
	Failures  int `json:"contactFetchFailed"`
}

// Lookups returns the number of Resolve calls.
func (s Stats) Lookups() int {
	return s.Hits + s.Successes + s.Failures
}

// ContactCache memoizes contact fetches by exact URL for one run. It is
// safe for concurrent use.
type ContactCache struct {
	fetcher Fetcher
	waiter  Waiter
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	contacts map[string]referrals.Contact
	failed   map[string]error
	stats    Stats
}

// NewContactCache creates an empty cache for a single run.
func NewContactCache(fetcher Fetcher, waiter Waiter, opts Options, logger zerolog.Logger) *ContactCache {
	return &ContactCache{
		fetcher:  fetcher,
		waiter:   waiter,
		opts:     opts,
		logger:   logger,
		contacts: make(map[string]referrals.Contact),
		failed:   make(map[string]error),
	}
}

// Resolve returns the contact behind url, fetching it on first use.
func (c *ContactCache) Resolve(ctx context.Context, url string) referrals.Lookup {
	c.mu.Lock()
	if contact, ok := c.contacts[url]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		ContactLookups.WithLabelValues(string(referrals.OutcomeHit)).Inc()
		return referrals.Lookup{Contact: contact, Outcome: referrals.OutcomeHit}
	}
	if err, ok := c.failed[url]; ok {
		c.stats.Failures++
		c.mu.Unlock()
		ContactLookups.WithLabelValues(string(referrals.OutcomeFailed)).Inc()
		return referrals.Lookup{Outcome: referrals.OutcomeFailed, Err: err}
	}
	c.mu.Unlock()

	contact, err := c.fetch(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.stats.Failures++
		if c.opts.CacheFailures {
			c.failed[url] = err
		}
		ContactLookups.WithLabelValues(string(referrals.OutcomeFailed)).Inc()
		c.logger.Warn().Err(err).Str("url", url).Msg("Contact fetch failed")
		return referrals.Lookup{Outcome: referrals.OutcomeFailed, Err: err}
	}

	if _, ok := c.contacts[url]; !ok {
		ContactCacheEntries.Inc()
	}
	c.contacts[url] = contact
	c.stats.Successes++
	ContactLookups.WithLabelValues(string(referrals.OutcomeFetched)).Inc()
	return referrals.Lookup{Contact: contact, Outcome: referrals.OutcomeFetched}
}

func (c *ContactCache) fetch(ctx context.Context, url string) (referrals.Contact, error) {
	var contact referrals.Contact
	if c.waiter != nil {
		if err := c.waiter.Wait(ctx); err != nil {
			return contact, err
		}
	}
	err := c.fetcher.FetchInto(ctx, url, &contact)
	return contact, err
}

// Stats returns a snapshot of the lookup counters.
func (c *ContactCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of cached contacts.
func (c *ContactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contacts)
}

// Release drops the cached contacts at the end of a run.
func (c *ContactCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ContactCacheEntries.Sub(float64(len(c.contacts)))
	c.contacts = make(map[string]referrals.Contact)
	c.failed = make(map[string]error)
}
