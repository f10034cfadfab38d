// Package memory provides an in-process store implementation backing tests
// and single-node development deployments. All guards that the relational
// backend expresses as atomic SQL updates are expressed here under a single
// mutex.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

// NameChangeCooldown is the minimum gap between author renames.
const NameChangeCooldown = 30 * 24 * time.Hour

// Store implements store.AuthorStore and store.PackageStore in memory.
type Store struct {
	mu       sync.RWMutex
	authors  map[string]*store.Author        // by id
	packages map[string]*store.Package       // by case-folded id
	versions map[string]*store.VersionRecord // by pkgID + "@" + version
	now      func() time.Time
}

var (
	_ store.AuthorStore  = (*Store)(nil)
	_ store.PackageStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		authors:  make(map[string]*store.Author),
		packages: make(map[string]*store.Package),
		versions: make(map[string]*store.VersionRecord),
		now:      time.Now,
	}
}

// SetClock overrides the time source; tests use this to cross the rename
// cooldown without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func versionKey(packageID string, v version.Version) string {
	return packageID + "@" + v.String()
}

func cloneAuthor(a *store.Author) *store.Author {
	dup := *a
	dup.Tokens = append([]auth.TokenDescriptor(nil), a.Tokens...)
	return &dup
}

func cloneRecord(r *store.VersionRecord) *store.VersionRecord {
	dup := *r
	dup.Dependencies = append([]store.Dependency(nil), r.Dependencies...)
	dup.Incompatibilities = append([]store.Dependency(nil), r.Incompatibilities...)
	return &dup
}

// CreateAuthor inserts a new author record.
func (s *Store) CreateAuthor(ctx context.Context, a *store.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(a.Email)
	folded := strings.ToLower(a.Name)
	for _, existing := range s.authors {
		if existing.Email == email {
			return &store.DuplicateError{Entity: store.EntityAuthor, Field: "email"}
		}
		if strings.ToLower(existing.Name) == folded {
			return &store.DuplicateError{Entity: store.EntityAuthor, Field: "name"}
		}
	}

	dup := cloneAuthor(a)
	dup.Email = email
	if dup.TotalStorage == 0 {
		dup.TotalStorage = store.DefaultStorageQuota
	}
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = s.now()
	}
	s.authors[dup.ID] = dup
	return nil
}

func (s *Store) AuthorByID(ctx context.Context, id string) (*store.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.authors[id]
	if !ok {
		return nil, &store.NoSuchAccountError{Field: "id", Value: id}
	}
	return cloneAuthor(a), nil
}

func (s *Store) AuthorByEmail(ctx context.Context, email string) (*store.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(email)
	for _, a := range s.authors {
		if a.Email == email {
			return cloneAuthor(a), nil
		}
	}
	return nil, &store.NoSuchAccountError{Field: "email", Value: email}
}

// UpdateAuthorName renames under the 30 day cooldown and cascades to the
// author's packages within the same critical section.
func (s *Store) UpdateAuthorName(ctx context.Context, id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}

	now := s.now()
	if !a.LastNameChange.IsZero() && now.Sub(a.LastNameChange) < NameChangeCooldown {
		return store.ErrNameChangeTooSoon
	}

	folded := strings.ToLower(newName)
	for otherID, other := range s.authors {
		if otherID != id && strings.ToLower(other.Name) == folded {
			return &store.DuplicateError{Entity: store.EntityAuthor, Field: "name"}
		}
	}

	a.Name = newName
	a.LastNameChange = now
	for _, p := range s.packages {
		if p.AuthorID == id {
			p.AuthorName = newName
		}
	}
	return nil
}

// RotateCredentials swaps password hash and session and drops all token
// descriptors; every outstanding token stops verifying.
func (s *Store) RotateCredentials(ctx context.Context, id, passwordHash, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	a.PasswordHash = passwordHash
	a.Session = session
	a.Tokens = nil
	return nil
}

func (s *Store) TryConsumeStorage(ctx context.Context, id string, delta int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return false, &store.NoSuchAccountError{Field: "id", Value: id}
	}
	if a.UsedStorage+delta > a.TotalStorage {
		return false, nil
	}
	a.UsedStorage += delta
	return true, nil
}

func (s *Store) FreeStorage(ctx context.Context, id string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	a.UsedStorage -= delta
	if a.UsedStorage < 0 {
		a.UsedStorage = 0
	}
	return nil
}

func (s *Store) SetUsedStorage(ctx context.Context, id string, used int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	if used < 0 || used > a.TotalStorage {
		return store.ErrQuotaExceeded
	}
	a.UsedStorage = used
	return nil
}

func (s *Store) SetTotalStorage(ctx context.Context, id string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	if total < a.UsedStorage {
		return store.ErrQuotaExceeded
	}
	a.TotalStorage = total
	return nil
}

func (s *Store) AddTokenDescriptor(ctx context.Context, id string, d auth.TokenDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	// A duplicate name wins over the cap: re-using a taken name is the
	// caller's mistake even when the author is already at the limit.
	for _, existing := range a.Tokens {
		if existing.Name == d.Name {
			return &store.DuplicateError{Entity: store.EntityToken, Field: "name"}
		}
	}
	if len(a.Tokens) >= auth.MaxDescriptorsPerAuthor {
		return store.ErrTokenLimit
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	a.Tokens = append(a.Tokens, d)
	return nil
}

func (s *Store) RemoveTokenDescriptor(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authors[id]
	if !ok {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	for i, existing := range a.Tokens {
		if existing.Name == name {
			a.Tokens = append(a.Tokens[:i], a.Tokens[i+1:]...)
			return nil
		}
	}
	return &store.NoSuchAccountError{Field: "token", Value: name}
}

// CreatePackage inserts a new package record.
func (s *Store) CreatePackage(ctx context.Context, p *store.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.ToLower(p.ID)
	if _, exists := s.packages[id]; exists {
		return &store.DuplicateError{Entity: store.EntityPackage, Field: "id"}
	}
	folded := strings.ToLower(p.Name)
	for _, existing := range s.packages {
		if strings.ToLower(existing.Name) == folded {
			return &store.DuplicateError{Entity: store.EntityPackage, Field: "name"}
		}
	}

	dup := *p
	dup.ID = id
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = s.now()
	}
	s.packages[id] = &dup
	return nil
}

func (s *Store) PackageByID(ctx context.Context, id string) (*store.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[strings.ToLower(id)]
	if !ok {
		return nil, &store.NoSuchPackageError{ID: id}
	}
	dup := *p
	return &dup, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]*store.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Package, 0, len(s.packages))
	for _, p := range s.packages {
		dup := *p
		out = append(out, &dup)
	}
	return out, nil
}

func (s *Store) PackageIDExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.packages[strings.ToLower(id)]
	return ok, nil
}

func (s *Store) PackageNameExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	folded := strings.ToLower(name)
	for _, p := range s.packages {
		if strings.ToLower(p.Name) == folded {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdateDescription(ctx context.Context, id, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packages[strings.ToLower(id)]
	if !ok {
		return &store.NoSuchPackageError{ID: id}
	}
	p.Description = description
	return nil
}

// InsertVersion reserves the (packageId, version) key.
func (s *Store) InsertVersion(ctx context.Context, r *store.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.packages[strings.ToLower(r.PackageID)]; !ok {
		return &store.NoSuchPackageError{ID: r.PackageID}
	}
	key := versionKey(r.PackageID, r.Version)
	if _, exists := s.versions[key]; exists {
		return store.ErrVersionExists
	}

	dup := cloneRecord(r)
	dup.Status = store.StatusProcessing
	dup.Location = store.NotStored
	dup.Hash = ""
	// An absent selection means "runs everywhere", matching the relational
	// backend's column default.
	if dup.XPSelection.IsZero() {
		dup.XPSelection = selection.Any()
	}
	if dup.UploadedAt.IsZero() {
		dup.UploadedAt = s.now()
	}
	s.versions[key] = dup
	return nil
}

func (s *Store) Version(ctx context.Context, packageID string, v version.Version) (*store.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.versions[versionKey(packageID, v)]
	if !ok {
		return nil, &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	return cloneRecord(r), nil
}

func (s *Store) ListVersions(ctx context.Context, packageID string) ([]*store.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.VersionRecord
	for _, r := range s.versions {
		if strings.EqualFold(r.PackageID, packageID) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (s *Store) VersionExists(ctx context.Context, packageID string, v version.Version) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.versions[versionKey(packageID, v)]
	return ok, nil
}

// ResolveVersion moves Processing -> Processed exactly once.
func (s *Store) ResolveVersion(ctx context.Context, packageID string, v version.Version, hash, location string, size, installedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.versions[versionKey(packageID, v)]
	if !ok {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	if r.Status != store.StatusProcessing {
		return store.ErrNotProcessing
	}

	r.Status = store.StatusProcessed
	r.Hash = strings.ToUpper(hash)
	r.Location = location
	r.Size = size
	r.InstalledSize = installedSize
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, packageID string, v version.Version, status store.VersionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.versions[versionKey(packageID, v)]
	if !ok {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	if !r.Status.CanTransition(status) {
		return &store.InvalidTransitionError{From: r.Status, To: status}
	}

	r.Status = status
	if status.Failed() || status == store.StatusAborted || status == store.StatusRemoved {
		r.Location = store.NotStored
	}
	return nil
}

func (s *Store) IncrementInstalls(ctx context.Context, packageID string, v version.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.versions[versionKey(packageID, v)]
	if !ok {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	r.Installs++
	return nil
}
