// Package cache provides the per-run contact lookup cache.
//
// Every patient with a referring doctor carries a link to a contact
// resource. Many patients share a doctor, so a run resolves each link at
// most once and serves repeats from memory:
//
//	contacts := cache.NewContactCache(clinikoClient, pacer, cache.Options{}, logger)
//	defer contacts.Release()
//
//	lookup := contacts.Resolve(ctx, patient.DoctorLink())
//	if lookup.OK() {
//		name, _ := lookup.Contact.DisplayName()
//	}
//
// A cache belongs to exactly one run and is discarded with it. Concurrent
// runs each build their own, so one caller's data never leaks into
// another's result.
//
// # Failures
//
// A failed fetch is counted and reported as OutcomeFailed; it never aborts
// the run. By default nothing is remembered about the failure, so the next
// patient with the same link triggers a fresh fetch. With
// Options.CacheFailures the failure is remembered for the rest of the run.
//
// # Metrics
//
//   - cliniko_contact_lookups_total{outcome} - lookups by outcome
//   - cliniko_contact_cache_entries - contacts held by running aggregations
package cache
