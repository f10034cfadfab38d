package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/version"
)

// DefaultStorageQuota is the storage granted to a new author (512 MiB).
const DefaultStorageQuota = 512 * 1024 * 1024

// NotStored is the location sentinel for versions without a retrievable
// artifact (private unstored, failed and aborted records).
const NotStored = "NOT_STORED"

// Author is a registry account. Name uniqueness is case-insensitive while
// the stored name preserves its case; emails are stored lowercase.
type Author struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Verified     bool   `json:"verified"`
	PasswordHash string `json:"-"`
	Session      string `json:"-"`

	UsedStorage  int64 `json:"usedStorage"`
	TotalStorage int64 `json:"totalStorage"`

	LastNameChange time.Time              `json:"lastNameChange"`
	Tokens         []auth.TokenDescriptor `json:"tokens,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// PackageType categorizes a package for processing rules; executables are
// the only type whose artifacts may carry execute permission bits.
type PackageType string

const (
	TypeAircraft   PackageType = "Aircraft"
	TypeExecutable PackageType = "Executable"
	TypeScenery    PackageType = "Scenery"
	TypePlugin     PackageType = "Plugin"
	TypeLivery     PackageType = "Livery"
	TypeOther      PackageType = "Other"
)

// Valid reports whether t is one of the known package types.
func (t PackageType) Valid() bool {
	switch t {
	case TypeAircraft, TypeExecutable, TypeScenery, TypePlugin, TypeLivery, TypeOther:
		return true
	}
	return false
}

// Package is a published add-on. The id is case-folded and uniqueness holds
// for both the id and the case-folded name.
type Package struct {
	ID          string      `json:"packageId"`
	Name        string      `json:"packageName"`
	AuthorID    string      `json:"authorId"`
	AuthorName  string      `json:"authorName"`
	Description string      `json:"description"`
	Type        PackageType `json:"packageType"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// VersionStatus is the lifecycle state of a version record.
type VersionStatus string

const (
	StatusProcessing           VersionStatus = "Processing"
	StatusProcessed            VersionStatus = "Processed"
	StatusRemoved              VersionStatus = "Removed"
	StatusFailedMACOSX         VersionStatus = "FailedMACOSX"
	StatusFailedNoFileDir      VersionStatus = "FailedNoFileDir"
	StatusFailedManifestExists VersionStatus = "FailedManifestExists"
	StatusFailedInvalidTypes   VersionStatus = "FailedInvalidFileTypes"
	StatusFailedFileTooLarge   VersionStatus = "FailedFileTooLarge"
	StatusFailedNotEnoughSpace VersionStatus = "FailedNotEnoughSpace"
	StatusFailedServer         VersionStatus = "FailedServer"
	StatusAborted              VersionStatus = "Aborted"
)

// Failed reports whether the status is one of the terminal failure states.
func (s VersionStatus) Failed() bool {
	switch s {
	case StatusFailedMACOSX, StatusFailedNoFileDir, StatusFailedManifestExists,
		StatusFailedInvalidTypes, StatusFailedFileTooLarge,
		StatusFailedNotEnoughSpace, StatusFailedServer:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed other than an
// explicit retry.
func (s VersionStatus) Terminal() bool {
	return s.Failed() || s == StatusAborted || s == StatusRemoved
}

// CanTransition validates the state machine. Processed is only reachable
// through ResolveVersion, never through a plain status update.
func (s VersionStatus) CanTransition(to VersionStatus) bool {
	switch {
	case s == StatusProcessing:
		return to.Failed() || to == StatusAborted
	case s == StatusProcessed:
		return to == StatusRemoved
	case s.Failed() || s == StatusAborted:
		// Retry path.
		return to == StatusProcessing
	}
	return false
}

// Dependency pairs a package id with the version selection it must satisfy.
// On the wire it is a two-element array ["pkg.id", "1.*"].
type Dependency struct {
	PackageID string
	Selection selection.Expr
}

// MarshalJSON implements json.Marshaler.
func (d Dependency) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{d.PackageID, d.Selection.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("dependency must be a [packageId, selection] pair: %w", err)
	}
	expr, err := selection.Parse(pair[1])
	if err != nil {
		return err
	}
	d.PackageID = pair[0]
	d.Selection = expr
	return nil
}

// VersionRecord is one uploaded version of a package, keyed by
// (PackageID, Version).
type VersionRecord struct {
	PackageID string          `json:"packageId"`
	Version   version.Version `json:"version"`

	// Hash is the uppercase hex SHA-256 of the stored artifact; empty
	// until the record resolves to Processed.
	Hash     string `json:"hash,omitempty"`
	Location string `json:"location"`

	Public bool `json:"isPublic"`
	Stored bool `json:"isStored"`
	// PrivateKey gates retrieval of private stored artifacts.
	PrivateKey string `json:"-"`

	Installs   int64         `json:"installs"`
	UploadedAt time.Time     `json:"uploadedAt"`
	Status     VersionStatus `json:"status"`

	Dependencies      []Dependency   `json:"dependencies"`
	Incompatibilities []Dependency   `json:"incompatibilities"`
	XPSelection       selection.Expr `json:"xpSelection"`

	Size          int64 `json:"size"`
	InstalledSize int64 `json:"installedSize"`
}

// Key renders the composite key for logs and broker messages.
func (r *VersionRecord) Key() string {
	return r.PackageID + "@" + r.Version.String()
}
