// Package httputil provides the HTTP plumbing shared by the registry's
// handlers: the machine-code error envelope, JSON response helpers,
// request parsing and generic middleware (logging, recovery, request ids,
// body size caps).
//
// Error responses always look like:
//
//	{"error": "version_exists", "message": "version already exists"}
//
// where "error" is a short machine code clients branch on.
package httputil
