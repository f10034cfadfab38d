package store

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by store implementations. Callers branch with
// errors.Is / errors.As; the HTTP boundary maps them to machine codes.
var (
	// ErrVersionExists reports a (packageId, version) reservation conflict.
	ErrVersionExists = errors.New("version already exists")
	// ErrNotProcessing reports a ResolveVersion call against a record that
	// is not in the Processing state.
	ErrNotProcessing = errors.New("version is not processing")
	// ErrQuotaExceeded reports a storage accounting update that would
	// break used <= total.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrNameChangeTooSoon reports an author rename within 30 days of the
	// previous one.
	ErrNameChangeTooSoon = errors.New("name changed too recently")
	// ErrTokenLimit reports an author at the issued-token cap.
	ErrTokenLimit = errors.New("too many issued tokens")
	// ErrNotOwner reports an operation on a package the caller does not own.
	ErrNotOwner = errors.New("caller does not own the package")
)

// Entities a DuplicateError can name. An author display name and a package
// display name collide in different namespaces and map to different machine
// codes at the HTTP boundary.
const (
	EntityAuthor  = "author"
	EntityPackage = "package"
	EntityToken   = "token"
)

// DuplicateError reports a uniqueness violation on the named field of the
// named entity.
type DuplicateError struct {
	Entity string // "author", "package", "token"
	Field  string // "email", "name", "id"
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s %s", e.Entity, e.Field)
}

// NoSuchAccountError reports an author lookup miss.
type NoSuchAccountError struct {
	Field string
	Value string
}

func (e *NoSuchAccountError) Error() string {
	return fmt.Sprintf("no account with %s %q", e.Field, e.Value)
}

// NoSuchPackageError reports a package or version lookup miss.
type NoSuchPackageError struct {
	ID      string
	Version string // empty when the package itself is missing
}

func (e *NoSuchPackageError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("no package %q", e.ID)
	}
	return fmt.Sprintf("no version %s of package %q", e.Version, e.ID)
}

// InvalidTransitionError reports a status update forbidden by the version
// state machine.
type InvalidTransitionError struct {
	From VersionStatus
	To   VersionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
