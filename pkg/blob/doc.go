// Package blob stores published archive blobs. The production backend is
// S3-compatible object storage; a memory backend exists for tests.
package blob
