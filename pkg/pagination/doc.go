// Package pagination walks the Cliniko patients listing page by page.
//
// Cliniko returns `links.next` on every page that has a successor and a
// `total_entries` count. Pages are fetched sequentially: each request is
// gated by the run's pacer so the walk stays under the upstream rate budget
// (200 req/min) independently of the client's own 429 handling.
//
// Example usage:
//
//	collector := pagination.NewCollector(clinikoClient, pacer, pagination.DefaultConfig(), logger)
//	patients, err := collector.CollectAll(ctx, func(fetched, total int) {
//		emitter.Fetching(fetched, total)
//	})
//
// The collector:
//   - Starts at page 1 with a fixed page size (default 100)
//   - Stops when a page carries no next link
//   - Stops after MaxPages (default 200) even if the upstream claims more
//   - Reports cumulative fetched and declared totals after every page
package pagination
