// Package pipeline runs version ingestions: reserve the record, wait for
// broker authorization, validate and repack the archive, upload the blob,
// consume quota, and atomically publish the result. Storage accounting is
// the invariant every exit path preserves.
package pipeline
