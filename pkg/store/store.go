package store

import (
	"context"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/version"
)

// AuthorStore is the transactional state for registry accounts.
type AuthorStore interface {
	// CreateAuthor inserts a new author. Fails with *DuplicateError on an
	// email or case-folded name collision.
	CreateAuthor(ctx context.Context, a *Author) error

	AuthorByID(ctx context.Context, id string) (*Author, error)
	AuthorByEmail(ctx context.Context, email string) (*Author, error)

	// UpdateAuthorName renames the author and cascades the new name to all
	// of their packages; both updates are observable together. Enforces the
	// 30 day cooldown atomically: two racing renames cannot both succeed.
	UpdateAuthorName(ctx context.Context, id, newName string) error

	// RotateCredentials replaces the password hash and the session,
	// invalidating all outstanding tokens for the author.
	RotateCredentials(ctx context.Context, id, passwordHash, session string) error

	// TryConsumeStorage atomically charges delta bytes against the quota.
	// It returns false, without modifying anything, when used+delta would
	// exceed the total.
	TryConsumeStorage(ctx context.Context, id string, delta int64) (bool, error)

	// FreeStorage releases delta bytes, clamping used storage at zero.
	FreeStorage(ctx context.Context, id string, delta int64) error

	// SetUsedStorage and SetTotalStorage are administrative overrides.
	// Both reject values that would break used <= total with
	// ErrQuotaExceeded.
	SetUsedStorage(ctx context.Context, id string, used int64) error
	SetTotalStorage(ctx context.Context, id string, total int64) error

	// AddTokenDescriptor appends an issued-token record, enforcing the
	// per-author cap and name uniqueness.
	AddTokenDescriptor(ctx context.Context, id string, d auth.TokenDescriptor) error
	// RemoveTokenDescriptor revokes by descriptor name.
	RemoveTokenDescriptor(ctx context.Context, id, name string) error
}

// PackageStore is the transactional state for packages and their versions.
type PackageStore interface {
	// CreatePackage inserts a new package. Fails with *DuplicateError
	// ("id" or "name") on collision.
	CreatePackage(ctx context.Context, p *Package) error

	PackageByID(ctx context.Context, id string) (*Package, error)
	ListPackages(ctx context.Context) ([]*Package, error)
	PackageIDExists(ctx context.Context, id string) (bool, error)
	PackageNameExists(ctx context.Context, name string) (bool, error)

	UpdateDescription(ctx context.Context, id, description string) error

	// InsertVersion reserves (packageId, version). The record must be in
	// StatusProcessing; conflicts fail with ErrVersionExists.
	InsertVersion(ctx context.Context, r *VersionRecord) error

	Version(ctx context.Context, packageID string, v version.Version) (*VersionRecord, error)
	ListVersions(ctx context.Context, packageID string) ([]*VersionRecord, error)
	VersionExists(ctx context.Context, packageID string, v version.Version) (bool, error)

	// ResolveVersion atomically moves Processing -> Processed, writing
	// hash, location and sizes. A second call for the same key fails with
	// ErrNotProcessing.
	ResolveVersion(ctx context.Context, packageID string, v version.Version, hash, location string, size, installedSize int64) error

	// UpdateStatus applies a transition validated by
	// VersionStatus.CanTransition; forbidden ones fail with
	// *InvalidTransitionError.
	UpdateStatus(ctx context.Context, packageID string, v version.Version, status VersionStatus) error

	// IncrementInstalls bumps the monotonic install counter.
	IncrementInstalls(ctx context.Context, packageID string, v version.Version) error
}
