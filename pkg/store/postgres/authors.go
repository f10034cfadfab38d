package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/hangar/pkg/auth"
	"github.com/platinummonkey/hangar/pkg/store"
)

// nameChangeCooldown mirrors the memory backend's rename cooldown.
const nameChangeCooldown = "30 days"

// tokenAllowlists is the JSONB shape of the per-capability package lists.
type tokenAllowlists struct {
	DescriptionUpdate []string `json:"descriptionUpdatePackages,omitempty"`
	VersionUpload     []string `json:"versionUploadPackages,omitempty"`
	UpdateVersionData []string `json:"updateVersionDataPackages,omitempty"`
}

func (s *Store) CreateAuthor(ctx context.Context, a *store.Author) error {
	total := a.TotalStorage
	if total == 0 {
		total = store.DefaultStorageQuota
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authors (id, name, email, verified, password_hash, session, used_storage, total_storage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Name, strings.ToLower(a.Email), a.Verified, a.PasswordHash, a.Session, a.UsedStorage, total,
	)
	if constraint, ok := isUniqueViolation(err); ok {
		if strings.Contains(constraint, "email") {
			return &store.DuplicateError{Entity: store.EntityAuthor, Field: "email"}
		}
		return &store.DuplicateError{Entity: store.EntityAuthor, Field: "name"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert author: %w", err)
	}
	return nil
}

func (s *Store) AuthorByID(ctx context.Context, id string) (*store.Author, error) {
	return s.authorBy(ctx, "id", id)
}

func (s *Store) AuthorByEmail(ctx context.Context, email string) (*store.Author, error) {
	return s.authorBy(ctx, "email", strings.ToLower(email))
}

func (s *Store) authorBy(ctx context.Context, field, value string) (*store.Author, error) {
	var a store.Author
	var lastNameChange sql.NullTime

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, email, verified, password_hash, session, used_storage, total_storage, last_name_change, created_at
		FROM authors WHERE %s = $1`, field), value,
	).Scan(&a.ID, &a.Name, &a.Email, &a.Verified, &a.PasswordHash, &a.Session,
		&a.UsedStorage, &a.TotalStorage, &lastNameChange, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NoSuchAccountError{Field: field, Value: value}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query author: %w", err)
	}
	if lastNameChange.Valid {
		a.LastNameChange = lastNameChange.Time
	}

	tokens, err := s.tokenDescriptors(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Tokens = tokens
	return &a, nil
}

func (s *Store) tokenDescriptors(ctx context.Context, authorID string) ([]auth.TokenDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_session, name, description, permissions, allowlists, created_at
		FROM author_tokens WHERE author_id = $1 ORDER BY created_at`, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query token descriptors: %w", err)
	}
	defer rows.Close()

	var out []auth.TokenDescriptor
	for rows.Next() {
		var d auth.TokenDescriptor
		var perms int64
		var lists []byte
		if err := rows.Scan(&d.TokenSession, &d.Name, &d.Description, &perms, &lists, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token descriptor: %w", err)
		}
		d.Permissions = auth.Permission(perms)
		var al tokenAllowlists
		if len(lists) > 0 {
			if err := json.Unmarshal(lists, &al); err != nil {
				return nil, fmt.Errorf("failed to decode token allowlists: %w", err)
			}
		}
		d.DescriptionUpdatePackages = al.DescriptionUpdate
		d.VersionUploadPackages = al.VersionUpload
		d.UpdateVersionDataPackages = al.UpdateVersionData
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateAuthorName applies the rename and the package cascade in one
// transaction. The cooldown guard lives in the UPDATE's WHERE clause so two
// racing renames cannot both pass.
func (s *Store) UpdateAuthorName(ctx context.Context, id, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rename transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE authors SET name = $2, last_name_change = NOW()
		WHERE id = $1 AND (last_name_change IS NULL OR last_name_change <= NOW() - INTERVAL '`+nameChangeCooldown+`')`,
		id, newName,
	)
	if _, ok := isUniqueViolation(err); ok {
		return &store.DuplicateError{Entity: store.EntityAuthor, Field: "name"}
	}
	if err != nil {
		return fmt.Errorf("failed to rename author: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rename result: %w", err)
	}
	if n == 0 {
		// Either the author does not exist or the cooldown blocked us.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM authors WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check author existence: %w", err)
		}
		if !exists {
			return &store.NoSuchAccountError{Field: "id", Value: id}
		}
		return store.ErrNameChangeTooSoon
	}

	if _, err := tx.ExecContext(ctx, `UPDATE packages SET author_name = $2 WHERE author_id = $1`, id, newName); err != nil {
		return fmt.Errorf("failed to cascade author rename: %w", err)
	}
	return tx.Commit()
}

// RotateCredentials swaps credentials and deletes every token descriptor in
// one transaction.
func (s *Store) RotateCredentials(ctx context.Context, id, passwordHash, session string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credential transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE authors SET password_hash = $2, session = $3 WHERE id = $1`,
		id, passwordHash, session)
	if err != nil {
		return fmt.Errorf("failed to rotate credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM author_tokens WHERE author_id = $1`, id); err != nil {
		return fmt.Errorf("failed to revoke token descriptors: %w", err)
	}
	return tx.Commit()
}

// TryConsumeStorage is a single compare-and-set UPDATE; zero affected rows
// with an existing author means the quota would be exceeded.
func (s *Store) TryConsumeStorage(ctx context.Context, id string, delta int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authors SET used_storage = used_storage + $2
		WHERE id = $1 AND used_storage + $2 <= total_storage`,
		id, delta,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume storage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM authors WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check author existence: %w", err)
	}
	if !exists {
		return false, &store.NoSuchAccountError{Field: "id", Value: id}
	}
	return false, nil
}

func (s *Store) FreeStorage(ctx context.Context, id string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authors SET used_storage = GREATEST(used_storage - $2, 0) WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to free storage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	return nil
}

func (s *Store) SetUsedStorage(ctx context.Context, id string, used int64) error {
	if used < 0 {
		return store.ErrQuotaExceeded
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE authors SET used_storage = $2 WHERE id = $1 AND $2 <= total_storage`,
		id, used,
	)
	if err != nil {
		return fmt.Errorf("failed to set used storage: %w", err)
	}
	return s.storageUpdateOutcome(ctx, id, res)
}

func (s *Store) SetTotalStorage(ctx context.Context, id string, total int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authors SET total_storage = $2 WHERE id = $1 AND used_storage <= $2`,
		id, total,
	)
	if err != nil {
		return fmt.Errorf("failed to set total storage: %w", err)
	}
	return s.storageUpdateOutcome(ctx, id, res)
}

func (s *Store) storageUpdateOutcome(ctx context.Context, id string, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM authors WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check author existence: %w", err)
	}
	if !exists {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	return store.ErrQuotaExceeded
}

func (s *Store) AddTokenDescriptor(ctx context.Context, id string, d auth.TokenDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the author row so the cap check and the insert are atomic.
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM authors WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.NoSuchAccountError{Field: "id", Value: id}
	}
	if err != nil {
		return fmt.Errorf("failed to lock author: %w", err)
	}

	// A duplicate name wins over the cap: re-using a taken name is the
	// caller's mistake even when the author is already at the limit.
	var taken bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM author_tokens WHERE author_id = $1 AND name = $2)`,
		id, d.Name).Scan(&taken); err != nil {
		return fmt.Errorf("failed to check token name: %w", err)
	}
	if taken {
		return &store.DuplicateError{Entity: store.EntityToken, Field: "name"}
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM author_tokens WHERE author_id = $1`, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to count token descriptors: %w", err)
	}
	if count >= auth.MaxDescriptorsPerAuthor {
		return store.ErrTokenLimit
	}

	lists, err := json.Marshal(tokenAllowlists{
		DescriptionUpdate: d.DescriptionUpdatePackages,
		VersionUpload:     d.VersionUploadPackages,
		UpdateVersionData: d.UpdateVersionDataPackages,
	})
	if err != nil {
		return fmt.Errorf("failed to encode token allowlists: %w", err)
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO author_tokens (author_id, token_session, name, description, permissions, allowlists, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, d.TokenSession, d.Name, d.Description, int64(d.Permissions), lists, createdAt,
	)
	if _, ok := isUniqueViolation(err); ok {
		return &store.DuplicateError{Entity: store.EntityToken, Field: "name"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert token descriptor: %w", err)
	}
	return tx.Commit()
}

func (s *Store) RemoveTokenDescriptor(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM author_tokens WHERE author_id = $1 AND name = $2`, id, name)
	if err != nil {
		return fmt.Errorf("failed to delete token descriptor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.NoSuchAccountError{Field: "token", Value: name}
	}
	return nil
}
