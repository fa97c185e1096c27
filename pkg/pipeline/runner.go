// Package pipeline runs one referral aggregation: collect every patient,
// resolve and tally referring doctors, and stream progress to the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/cache"
	"github.com/Sternrassler/cliniko-referrals/pkg/pagination"
	"github.com/Sternrassler/cliniko-referrals/pkg/progress"
	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPanic marks a run aborted by a recovered panic.
var ErrPanic = errors.New("aggregation run panicked")

// Fetcher decodes one upstream endpoint. *client.Client implements it.
type Fetcher interface {
	FetchInto(ctx context.Context, endpoint string, v any) error
}

// Waiter gates each upstream request. *ratelimit.Pacer implements it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Options configures every run of a Runner.
type Options struct {
	Collector pagination.Config

	// TopN limits the ranking length.
	TopN int

	// ProgressEvery is the processing progress cadence in records.
	ProgressEvery int

	// CacheFailures remembers failed contact lookups for the rest of a run.
	CacheFailures bool

	// PartialOnError attaches the result computed so far to the error event.
	PartialOnError bool

	// Buffer is the emitter channel capacity used by NewEmitter.
	Buffer int
}

// DefaultOptions returns the default run options.
func DefaultOptions() Options {
	return Options{
		Collector:     pagination.DefaultConfig(),
		TopN:          referrals.DefaultTopN,
		ProgressEvery: referrals.DefaultProgressEvery,
		Buffer:        progress.DefaultBuffer,
	}
}

// Runner executes aggregation runs. The fetcher and waiter are shared by
// all runs; cache, counters and tally are created fresh for each run.
type Runner struct {
	fetcher Fetcher
	waiter  Waiter
	opts    Options
	logger  zerolog.Logger
}

// NewRunner creates a runner. waiter may be nil.
func NewRunner(fetcher Fetcher, waiter Waiter, opts Options, logger zerolog.Logger) *Runner {
	return &Runner{
		fetcher: fetcher,
		waiter:  waiter,
		opts:    opts,
		logger:  logger,
	}
}

// NewEmitter creates the progress stream for a new run with a fresh run id.
func (r *Runner) NewEmitter() *progress.Emitter {
	return progress.NewEmitter(uuid.NewString(), r.opts.Buffer)
}

// Run performs one aggregation run and reports it on em. Exactly one
// terminal event is emitted: complete on success, error otherwise. The
// returned error mirrors the error event.
func (r *Runner) Run(ctx context.Context, em *progress.Emitter) (result referrals.Result, err error) {
	start := time.Now()
	logger := r.logger.With().Str("run_id", em.RunID()).Logger()

	RunsInFlight.Inc()
	defer RunsInFlight.Dec()

	contacts := cache.NewContactCache(r.fetcher, r.waiter, cache.Options{CacheFailures: r.opts.CacheFailures}, logger)
	defer contacts.Release()

	var partial *referrals.Result

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Aggregation run panicked")
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
			var summary *progress.Summary
			if r.opts.PartialOnError && partial != nil {
				s := summarize(*partial, contacts.Stats())
				summary = &s
			}
			r.emit(logger, em.Fail(err, summary))
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Aggregation run failed")
		}

		RunsTotal.WithLabelValues(outcome).Inc()
		RunDuration.Observe(time.Since(start).Seconds())
	}()

	logger.Info().Msg("Aggregation run started")
	r.emit(logger, em.Fetching(0, 0))

	collector := pagination.NewCollector(r.fetcher, r.waiter, r.opts.Collector, logger)
	patients, err := collector.CollectAll(ctx, func(fetched, total int) {
		r.emit(logger, em.Fetching(fetched, total))
	})
	if err != nil {
		return referrals.Result{}, err
	}

	r.emit(logger, em.Processing(0, len(patients), 0))

	aggregator := referrals.NewAggregator(contacts, referrals.AggregatorConfig{
		TopN:          r.opts.TopN,
		ProgressEvery: r.opts.ProgressEvery,
	}, logger)
	result, err = aggregator.Aggregate(ctx, patients, func(processed, total, lookups int) {
		r.emit(logger, em.Processing(processed, total, lookups))
	})
	if err != nil {
		partial = &result
		return result, err
	}

	stats := contacts.Stats()
	r.emit(logger, em.Complete(summarize(result, stats)))

	logger.Info().
		Int("patients", result.TotalPatients).
		Int("known_doctor", result.PatientsWithKnownDoctor).
		Int("cache_hits", stats.Hits).
		Int("fetch_success", stats.Successes).
		Int("fetch_failed", stats.Failures).
		Dur("duration", time.Since(start)).
		Msg("Aggregation run complete")

	return result, nil
}

// Check verifies connectivity and credentials by requesting a single
// patient. It returns the number of patients the upstream reports.
func (r *Runner) Check(ctx context.Context) (int, error) {
	collector := pagination.NewCollector(r.fetcher, r.waiter, r.opts.Collector, r.logger)
	return collector.Probe(ctx)
}

// emit logs an emitter rejection. Rejections indicate a broken phase
// sequence and never abort the run.
func (r *Runner) emit(logger zerolog.Logger, err error) {
	if err != nil {
		logger.Warn().Err(err).Msg("Progress event rejected")
	}
}

func summarize(res referrals.Result, stats cache.Stats) progress.Summary {
	ranking := res.Ranking
	if ranking == nil {
		ranking = []referrals.DoctorCount{}
	}
	return progress.Summary{
		TotalPatients:           res.TotalPatients,
		PatientsWithKnownDoctor: res.PatientsWithKnownDoctor,
		ReferringDoctors:        ranking,
		Debug: progress.Debug{
			ContactFetchSuccess: stats.Successes,
			ContactFetchFailed:  stats.Failures,
			ContactCacheHits:    stats.Hits,
		},
	}
}
