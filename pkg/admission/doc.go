// Package admission implements the request-level guards that run before an
// ingestion or registry mutation is dispatched: rate buckets keyed by
// (route, identity), field validation for package and author input, and
// friendly existence pre-checks.
//
// Two rate limiter implementations share the Limiter interface: an
// in-memory token bucket for single-instance deployments and a Redis-backed
// counter that shares buckets across instances. The Redis limiter fails
// open so a rate-limiting outage never takes down the registry.
//
// Validation failures carry one of the machine codes from the external
// error contract (short_id, long_desc, name, email, ...). Existence
// pre-checks only provide friendly errors; the authoritative uniqueness
// guarantee is the store's reserving write.
package admission
