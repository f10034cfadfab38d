package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	return New(), context.Background()
}

func seedAuthor(t *testing.T, s *Store, ctx context.Context) *store.Author {
	t.Helper()
	a := &store.Author{
		ID:      "author-1",
		Name:    "Alice",
		Email:   "Alice@Example.com",
		Session: "sess-1",
	}
	require.NoError(t, s.CreateAuthor(ctx, a))
	return a
}

func seedPackage(t *testing.T, s *Store, ctx context.Context) *store.Package {
	t.Helper()
	p := &store.Package{
		ID:         "com.alice.plugin",
		Name:       "Alice Plugin",
		AuthorID:   "author-1",
		AuthorName: "Alice",
		Type:       store.TypePlugin,
	}
	require.NoError(t, s.CreatePackage(ctx, p))
	return p
}

func TestCreateAuthorDuplicates(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)

	var dup *store.DuplicateError

	err := s.CreateAuthor(ctx, &store.Author{ID: "author-2", Name: "bob", Email: "ALICE@example.com"})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, store.EntityAuthor, dup.Entity)
	assert.Equal(t, "email", dup.Field)

	err = s.CreateAuthor(ctx, &store.Author{ID: "author-3", Name: "ALICE", Email: "other@example.com"})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, store.EntityAuthor, dup.Entity)
	assert.Equal(t, "name", dup.Field)

	// Email is folded to lowercase, default quota applied.
	a, err := s.AuthorByID(ctx, "author-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", a.Email)
	assert.EqualValues(t, store.DefaultStorageQuota, a.TotalStorage)
}

func TestStorageAccounting(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	require.NoError(t, s.SetTotalStorage(ctx, "author-1", 1000))

	ok, err := s.TryConsumeStorage(ctx, "author-1", 600)
	require.NoError(t, err)
	assert.True(t, ok)

	// Over quota: definitive false, nothing charged.
	ok, err = s.TryConsumeStorage(ctx, "author-1", 500)
	require.NoError(t, err)
	assert.False(t, ok)

	a, _ := s.AuthorByID(ctx, "author-1")
	assert.EqualValues(t, 600, a.UsedStorage)

	// Exactly filling the quota is allowed.
	ok, err = s.TryConsumeStorage(ctx, "author-1", 400)
	require.NoError(t, err)
	assert.True(t, ok)

	// FreeStorage clamps at zero.
	require.NoError(t, s.FreeStorage(ctx, "author-1", 5000))
	a, _ = s.AuthorByID(ctx, "author-1")
	assert.EqualValues(t, 0, a.UsedStorage)

	assert.ErrorIs(t, s.SetUsedStorage(ctx, "author-1", 2000), store.ErrQuotaExceeded)
	require.NoError(t, s.SetUsedStorage(ctx, "author-1", 900))
	assert.ErrorIs(t, s.SetTotalStorage(ctx, "author-1", 800), store.ErrQuotaExceeded)
}

func TestUpdateAuthorNameCooldownAndCascade(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	seedPackage(t, s, ctx)

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.UpdateAuthorName(ctx, "author-1", "Alicia"))

	// Cascade is observable together with the rename.
	p, err := s.PackageByID(ctx, "com.alice.plugin")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", p.AuthorName)

	// Second change inside 30 days is rejected.
	now = now.Add(29 * 24 * time.Hour)
	assert.ErrorIs(t, s.UpdateAuthorName(ctx, "author-1", "Alexandra"), store.ErrNameChangeTooSoon)

	now = now.Add(2 * 24 * time.Hour)
	require.NoError(t, s.UpdateAuthorName(ctx, "author-1", "Alexandra"))
}

func TestRotateCredentialsDropsDescriptors(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)

	require.NoError(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{
		TokenSession: "tok-1",
		Name:         "ci",
		Permissions:  auth.PermViewPackages,
	}))

	require.NoError(t, s.RotateCredentials(ctx, "author-1", "new-hash", "sess-2"))

	a, err := s.AuthorByID(ctx, "author-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", a.Session)
	assert.Empty(t, a.Tokens)
}

func TestTokenDescriptorLimits(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)

	for i := 0; i < auth.MaxDescriptorsPerAuthor; i++ {
		require.NoError(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{
			TokenSession: fmt.Sprintf("tok-%d", i),
			Name:         fmt.Sprintf("token-%d", i),
		}))
	}
	assert.ErrorIs(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "one-too-many"}), store.ErrTokenLimit)

	// Re-using a taken name reports the duplicate even at the cap.
	var dup *store.DuplicateError
	require.ErrorAs(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "token-0"}), &dup)
	assert.Equal(t, store.EntityToken, dup.Entity)

	require.NoError(t, s.RemoveTokenDescriptor(ctx, "author-1", "token-1"))
	require.NoError(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "fresh"}))
	assert.ErrorAs(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "fresh"}), &dup)
}

func TestVersionLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	seedPackage(t, s, ctx)

	v := version.MustParse("1.0.0")
	rec := &store.VersionRecord{
		PackageID: "com.alice.plugin",
		Version:   v,
		Public:    true,
		Stored:    true,
	}
	require.NoError(t, s.InsertVersion(ctx, rec))

	// Reservation is exclusive.
	assert.ErrorIs(t, s.InsertVersion(ctx, rec), store.ErrVersionExists)

	got, err := s.Version(ctx, "com.alice.plugin", v)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)
	assert.Equal(t, store.NotStored, got.Location)

	require.NoError(t, s.ResolveVersion(ctx, "com.alice.plugin", v, "abcd", "https://cdn.example.com/key", 100, 250))

	got, err = s.Version(ctx, "com.alice.plugin", v)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessed, got.Status)
	assert.Equal(t, "ABCD", got.Hash, "stored hash is uppercased")
	assert.EqualValues(t, 100, got.Size)
	assert.EqualValues(t, 250, got.InstalledSize)

	// Resolve is once-only.
	assert.ErrorIs(t, s.ResolveVersion(ctx, "com.alice.plugin", v, "x", "y", 1, 2), store.ErrNotProcessing)

	require.NoError(t, s.IncrementInstalls(ctx, "com.alice.plugin", v))
	got, _ = s.Version(ctx, "com.alice.plugin", v)
	assert.EqualValues(t, 1, got.Installs)
}

func TestInsertVersionDefaultsSelection(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	seedPackage(t, s, ctx)

	v := version.MustParse("3.0.0")
	require.NoError(t, s.InsertVersion(ctx, &store.VersionRecord{PackageID: "com.alice.plugin", Version: v}))

	got, err := s.Version(ctx, "com.alice.plugin", v)
	require.NoError(t, err)
	assert.Equal(t, "*", got.XPSelection.String(), "an absent selection runs everywhere")
	assert.False(t, got.XPSelection.IsZero())
}

func TestStatusTransitions(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	seedPackage(t, s, ctx)

	v := version.MustParse("2.0.0")
	require.NoError(t, s.InsertVersion(ctx, &store.VersionRecord{PackageID: "com.alice.plugin", Version: v}))

	// Processing -> Failed* is allowed and forces NOT_STORED.
	require.NoError(t, s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusFailedMACOSX))
	got, _ := s.Version(ctx, "com.alice.plugin", v)
	assert.Equal(t, store.NotStored, got.Location)

	// Terminal states only allow the retry transition back to Processing;
	// one terminal state never rewrites another.
	var invalid *store.InvalidTransitionError
	err := s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusFailedServer)
	require.ErrorAs(t, err, &invalid)
	err = s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusAborted)
	require.ErrorAs(t, err, &invalid)

	// Retry re-enters Processing, from which an abort is valid again.
	require.NoError(t, s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusProcessing))
	require.NoError(t, s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusAborted))
	require.NoError(t, s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusProcessing))

	// Processed is unreachable through UpdateStatus.
	err = s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusProcessed)
	require.ErrorAs(t, err, &invalid)
}

func TestPackageUniqueness(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	seedPackage(t, s, ctx)

	var dup *store.DuplicateError
	err := s.CreatePackage(ctx, &store.Package{ID: "COM.ALICE.PLUGIN", Name: "Other"})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, store.EntityPackage, dup.Entity)
	assert.Equal(t, "id", dup.Field)

	err = s.CreatePackage(ctx, &store.Package{ID: "com.other.pkg", Name: "alice plugin"})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, store.EntityPackage, dup.Entity)
	assert.Equal(t, "name", dup.Field)

	exists, err := s.PackageIDExists(ctx, "com.alice.plugin")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.PackageNameExists(ctx, "ALICE PLUGIN")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionsAdapter(t *testing.T) {
	s, ctx := newTestStore(t)
	seedAuthor(t, s, ctx)
	require.NoError(t, s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{TokenSession: "tok-1", Name: "ci"}))

	session, tokenSessions, err := store.Sessions{Authors: s}.AuthorSessions(ctx, "author-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session)
	assert.Equal(t, []string{"tok-1"}, tokenSessions)
}
