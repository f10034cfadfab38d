package admission

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

// PreChecker answers the friendly existence checks that run before a
// create or upload is dispatched. They are race-tolerant by design: two
// concurrent creates can both pass, and the store's reserving write is the
// one that actually guarantees uniqueness. The checks exist only to return
// a readable error instead of a low-level conflict.
type PreChecker struct {
	packages store.PackageStore
}

// NewPreChecker builds a PreChecker over the package store.
func NewPreChecker(packages store.PackageStore) *PreChecker {
	return &PreChecker{packages: packages}
}

// CheckPackageIDFree fails with id_in_use when the id is already taken.
func (c *PreChecker) CheckPackageIDFree(ctx context.Context, id string) error {
	exists, err := c.packages.PackageIDExists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check package id: %w", err)
	}
	if exists {
		return &ValidationError{Code: CodeIDInUse, Field: "packageId", Message: "package id already in use"}
	}
	return nil
}

// CheckPackageNameFree fails with name_in_use when the case-folded name is
// already taken.
func (c *PreChecker) CheckPackageNameFree(ctx context.Context, name string) error {
	exists, err := c.packages.PackageNameExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check package name: %w", err)
	}
	if exists {
		return &ValidationError{Code: CodeNameInUse, Field: "packageName", Message: "package name already in use"}
	}
	return nil
}

// CheckVersionFree fails with version_exists when (packageId, version) is
// already recorded.
func (c *PreChecker) CheckVersionFree(ctx context.Context, packageID string, v version.Version) error {
	exists, err := c.packages.VersionExists(ctx, packageID, v)
	if err != nil {
		return fmt.Errorf("failed to check version: %w", err)
	}
	if exists {
		return &ValidationError{Code: CodeVersionExists, Field: "version", Message: "version already exists"}
	}
	return nil
}
