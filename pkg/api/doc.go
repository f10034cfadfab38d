// Package api exposes the registry's HTTP surface: account signup and
// credential changes, token issue and revocation, package creation,
// version upload and retry, description updates and the public catalog.
//
// All mutating routes are authenticated with bearer tokens verified by
// pkg/auth and rate limited per (route, identity) by pkg/admission.
// Uploads are dispatched to pkg/pipeline; the response is returned as soon
// as the version record is reserved, and the outcome is observed
// out-of-band through the record's status.
//
// Error responses carry a short machine code in the "error" field
// (short_id, id_in_use, version_exists, ...). The codes are a closed enum
// shared with clients.
package api
