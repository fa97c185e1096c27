package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/rs/zerolog"
)

const (
	// DefaultPageSize is the number of patients requested per page.
	DefaultPageSize = 100

	// DefaultMaxPages bounds the walk against a misbehaving upstream.
	DefaultMaxPages = 200

	// patientsPath is the listing endpoint relative to the API root.
	patientsPath = "/patients"
)

// Config holds collector configuration.
type Config struct {
	// PageSize is the per_page query value
	PageSize int
	// MaxPages is the hard cap on pages fetched
	MaxPages int
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: DefaultPageSize,
		MaxPages: DefaultMaxPages,
	}
}

// Fetcher is the interface the Cliniko client implements for decoding a
// single endpoint.
type Fetcher interface {
	FetchInto(ctx context.Context, endpoint string, v any) error
}

// Waiter gates each request against the rate budget.
type Waiter interface {
	Wait(ctx context.Context) error
}

// ProgressFunc receives the cumulative number of patients fetched and the
// total declared by the upstream after each page.
type ProgressFunc func(fetched, total int)

// Collector fetches every patient of the listing endpoint.
type Collector struct {
	fetcher Fetcher
	waiter  Waiter
	config  Config
	logger  zerolog.Logger
}

// NewCollector creates a new collector.
func NewCollector(fetcher Fetcher, waiter Waiter, config Config, logger zerolog.Logger) *Collector {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}

	return &Collector{
		fetcher: fetcher,
		waiter:  waiter,
		config:  config,
		logger:  logger,
	}
}

// CollectAll walks the listing from page 1 until no next page is advertised
// or MaxPages is reached, returning the patients in fetch order.
func (c *Collector) CollectAll(ctx context.Context, onPage ProgressFunc) ([]referrals.Patient, error) {
	start := time.Now()

	var all []referrals.Patient
	total := 0
	page := 1

	for {
		if err := c.wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		var resp referrals.PatientsPage
		endpoint := fmt.Sprintf("%s?page=%d&per_page=%d", patientsPath, page, c.config.PageSize)
		if err := c.fetcher.FetchInto(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		all = append(all, resp.Patients...)
		total = resp.TotalEntries

		if onPage != nil {
			onPage(len(all), total)
		}

		if page%50 == 0 {
			c.logger.Info().
				Int("page", page).
				Int("fetched", len(all)).
				Int("total", total).
				Msg("Fetch progress")
		}

		if !resp.HasNext() {
			break
		}

		if page >= c.config.MaxPages {
			c.logger.Warn().
				Int("max_pages", c.config.MaxPages).
				Int("fetched", len(all)).
				Int("total", total).
				Msg("Page cap reached, stopping although upstream reports more pages")
			break
		}
		page++
	}

	c.logger.Info().
		Int("pages", page).
		Int("patients", len(all)).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return all, nil
}

// Probe fetches a single one-record page and returns the declared number of
// patients. It is used to verify connectivity and credentials.
func (c *Collector) Probe(ctx context.Context) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	var resp referrals.PatientsPage
	if err := c.fetcher.FetchInto(ctx, patientsPath+"?per_page=1", &resp); err != nil {
		return 0, fmt.Errorf("probe patients: %w", err)
	}
	return resp.TotalEntries, nil
}

func (c *Collector) wait(ctx context.Context) error {
	if c.waiter == nil {
		return ctx.Err()
	}
	return c.waiter.Wait(ctx)
}
