package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestTryConsumeStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("within quota", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE authors SET used_storage = used_storage \+ \$2`).
			WithArgs("author-1", int64(1024)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.TryConsumeStorage(ctx, "author-1", 1024)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("over quota", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE authors SET used_storage = used_storage \+ \$2`).
			WithArgs("author-1", int64(1024)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("author-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := s.TryConsumeStorage(ctx, "author-1", 1024)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no such author", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE authors SET used_storage = used_storage \+ \$2`).
			WithArgs("ghost", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		var miss *store.NoSuchAccountError
		_, err := s.TryConsumeStorage(ctx, "ghost", 1)
		assert.ErrorAs(t, err, &miss)
	})
}

func TestResolveVersionOnce(t *testing.T) {
	ctx := context.Background()
	v := version.MustParse("1.0.0")

	t.Run("first resolve succeeds", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE versions SET status = \$3, hash = \$4, location = \$5`).
			WithArgs("com.alice.plugin", "1.0.0", "Processed", "ABCD", "https://cdn/x", int64(10), int64(20), "Processing").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.ResolveVersion(ctx, "com.alice.plugin", v, "abcd", "https://cdn/x", 10, 20))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second resolve fails", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE versions SET status = \$3, hash = \$4, location = \$5`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, s.ResolveVersion(ctx, "com.alice.plugin", v, "abcd", "https://cdn/x", 10, 20), store.ErrNotProcessing)
	})
}

func TestInsertVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO versions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "versions_pkey"})

	err := s.InsertVersion(context.Background(), &store.VersionRecord{
		PackageID: "com.alice.plugin",
		Version:   version.MustParse("1.0.0"),
	})
	assert.ErrorIs(t, err, store.ErrVersionExists)
}

func TestUpdateStatusValidatesTransition(t *testing.T) {
	ctx := context.Background()
	v := version.MustParse("1.0.0")

	t.Run("processing to failed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM versions`).
			WithArgs("com.alice.plugin", "1.0.0").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Processing"))
		mock.ExpectExec(`UPDATE versions SET status = \$3, location = 'NOT_STORED'`).
			WithArgs("com.alice.plugin", "1.0.0", "FailedMACOSX").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusFailedMACOSX))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("forbidden transition", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status FROM versions`).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Processed"))
		mock.ExpectRollback()

		var invalid *store.InvalidTransitionError
		err := s.UpdateStatus(ctx, "com.alice.plugin", v, store.StatusProcessing)
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestUpdateAuthorNameCooldown(t *testing.T) {
	ctx := context.Background()

	t.Run("rename cascades", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE authors SET name = \$2, last_name_change = NOW\(\)`).
			WithArgs("author-1", "Alicia").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE packages SET author_name = \$2`).
			WithArgs("author-1", "Alicia").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		require.NoError(t, s.UpdateAuthorName(ctx, "author-1", "Alicia"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cooldown blocks", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE authors SET name = \$2, last_name_change = NOW\(\)`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		assert.ErrorIs(t, s.UpdateAuthorName(ctx, "author-1", "Alicia"), store.ErrNameChangeTooSoon)
	})
}

func TestAddTokenDescriptorPrecedence(t *testing.T) {
	ctx := context.Background()

	// A taken name reports the duplicate even when the author is at the
	// token cap; the cap only rejects genuinely new names.
	t.Run("duplicate name wins over cap", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT 1 FROM authors`).
			WithArgs("author-1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM author_tokens`).
			WithArgs("author-1", "ci").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		var dup *store.DuplicateError
		err := s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "ci"})
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, store.EntityToken, dup.Entity)
		assert.Equal(t, "name", dup.Field)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cap rejects fresh name", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT 1 FROM authors`).
			WithArgs("author-1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM author_tokens`).
			WithArgs("author-1", "fresh").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM author_tokens`).
			WithArgs("author-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(auth.MaxDescriptorsPerAuthor))
		mock.ExpectRollback()

		err := s.AddTokenDescriptor(ctx, "author-1", auth.TokenDescriptor{Name: "fresh"})
		assert.ErrorIs(t, err, store.ErrTokenLimit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuthorByIDScans(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, name, email`).
		WithArgs("author-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "email", "verified", "password_hash", "session",
			"used_storage", "total_storage", "last_name_change", "created_at",
		}).AddRow("author-1", "Alice", "alice@example.com", true, "hash", "sess-1",
			int64(100), int64(1000), nil, now))
	mock.ExpectQuery(`SELECT token_session, name`).
		WithArgs("author-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"token_session", "name", "description", "permissions", "allowlists", "created_at",
		}).AddRow("tok-1", "ci", "", int64(4), []byte(`{"versionUploadPackages":["com.alice.plugin"]}`), now))

	a, err := s.AuthorByID(context.Background(), "author-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", a.Name)
	require.Len(t, a.Tokens, 1)
	assert.Equal(t, []string{"com.alice.plugin"}, a.Tokens[0].VersionUploadPackages)
	assert.NoError(t, mock.ExpectationsWereMet())
}
