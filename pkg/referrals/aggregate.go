package referrals

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultProgressEvery is the processing progress cadence in records.
const DefaultProgressEvery = 50

// ProgressFunc receives processing progress: records processed so far, the
// total number of records and the number of doctor links looked up.
type ProgressFunc func(processed, total, lookups int)

// Result is the outcome of one aggregation pass.
type Result struct {
	TotalPatients           int
	PatientsWithKnownDoctor int
	ContactLookups          int
	Tally                   Tally
	Ranking                 []DoctorCount
}

// Aggregator tallies patients per referring doctor.
type Aggregator struct {
	resolver      Resolver
	topN          int
	progressEvery int
	logger        zerolog.Logger
}

// AggregatorConfig holds aggregation settings.
type AggregatorConfig struct {
	// TopN limits the ranking length (default 20).
	TopN int

	// ProgressEvery is the progress cadence in records (default 50).
	ProgressEvery int
}

// NewAggregator creates an aggregator resolving doctor links through r.
// The resolver carries per-run state, so an aggregator must not be shared
// between runs.
func NewAggregator(r Resolver, cfg AggregatorConfig, logger zerolog.Logger) *Aggregator {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Aggregator{
		resolver:      r,
		topN:          cfg.TopN,
		progressEvery: cfg.ProgressEvery,
		logger:        logger,
	}
}

// Aggregate resolves each patient's doctor in order and tallies the
// resulting names. Patients without a link or whose contact has no usable
// name are skipped. On cancellation the partial result is returned along
// with the error.
func (a *Aggregator) Aggregate(ctx context.Context, patients []Patient, onProgress ProgressFunc) (Result, error) {
	res := Result{
		TotalPatients: len(patients),
		Tally:         make(Tally),
	}
	total := len(patients)

	for i, p := range patients {
		if err := ctx.Err(); err != nil {
			res.Ranking = Rank(res.Tally, a.topN)
			return res, fmt.Errorf("aggregate cancelled after %d/%d patients: %w", i, total, err)
		}

		if link := p.DoctorLink(); link != "" {
			res.ContactLookups++
			lookup := a.resolver.Resolve(ctx, link)
			if lookup.OK() {
				if name, ok := lookup.Contact.DisplayName(); ok {
					res.Tally.Add(name)
					res.PatientsWithKnownDoctor++
				} else {
					a.logger.Debug().
						Str("patient_id", string(p.ID)).
						Str("link", link).
						Msg("Contact has no usable name")
				}
			}
		}

		processed := i + 1
		if onProgress != nil && (processed%a.progressEvery == 0 || processed == total) {
			onProgress(processed, total, res.ContactLookups)
		}
	}

	res.Ranking = Rank(res.Tally, a.topN)

	a.logger.Info().
		Int("patients", res.TotalPatients).
		Int("known_doctor", res.PatientsWithKnownDoctor).
		Int("lookups", res.ContactLookups).
		Int("doctors", len(res.Tally)).
		Msg("Aggregation complete")

	return res, nil
}
