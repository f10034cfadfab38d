package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

func (s *Store) CreatePackage(ctx context.Context, p *store.Package) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, name, author_id, author_name, description, type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		strings.ToLower(p.ID), p.Name, p.AuthorID, p.AuthorName, p.Description, string(p.Type),
	)
	if constraint, ok := isUniqueViolation(err); ok {
		if strings.Contains(constraint, "name") {
			return &store.DuplicateError{Entity: store.EntityPackage, Field: "name"}
		}
		return &store.DuplicateError{Entity: store.EntityPackage, Field: "id"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert package: %w", err)
	}
	return nil
}

const packageColumns = `id, name, author_id, author_name, description, type, created_at`

func scanPackage(row interface{ Scan(...any) error }) (*store.Package, error) {
	var p store.Package
	var typ string
	if err := row.Scan(&p.ID, &p.Name, &p.AuthorID, &p.AuthorName, &p.Description, &typ, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Type = store.PackageType(typ)
	return &p, nil
}

func (s *Store) PackageByID(ctx context.Context, id string) (*store.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`, strings.ToLower(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NoSuchPackageError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query package: %w", err)
	}
	return p, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]*store.Package, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var out []*store.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PackageIDExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM packages WHERE id = $1)`, strings.ToLower(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check package id: %w", err)
	}
	return exists, nil
}

func (s *Store) PackageNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM packages WHERE LOWER(name) = LOWER($1))`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check package name: %w", err)
	}
	return exists, nil
}

func (s *Store) UpdateDescription(ctx context.Context, id, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET description = $2 WHERE id = $1`, strings.ToLower(id), description)
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.NoSuchPackageError{ID: id}
	}
	return nil
}

func (s *Store) InsertVersion(ctx context.Context, r *store.VersionRecord) error {
	deps, err := json.Marshal(r.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	incompat, err := json.Marshal(r.Incompatibilities)
	if err != nil {
		return fmt.Errorf("failed to encode incompatibilities: %w", err)
	}

	xp := r.XPSelection.String()
	if r.XPSelection.IsZero() {
		xp = "*"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions (package_id, version, is_public, is_stored, private_key, status,
			dependencies, incompatibilities, xp_selection)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		strings.ToLower(r.PackageID), r.Version.String(), r.Public, r.Stored, r.PrivateKey,
		string(store.StatusProcessing), deps, incompat, xp,
	)
	if _, ok := isUniqueViolation(err); ok {
		return store.ErrVersionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

const versionColumns = `package_id, version, hash, location, is_public, is_stored, private_key,
	installs, uploaded_at, status, dependencies, incompatibilities, xp_selection, size, installed_size`

func scanVersion(row interface{ Scan(...any) error }) (*store.VersionRecord, error) {
	var r store.VersionRecord
	var verText, status, xpText string
	var deps, incompat []byte

	err := row.Scan(&r.PackageID, &verText, &r.Hash, &r.Location, &r.Public, &r.Stored, &r.PrivateKey,
		&r.Installs, &r.UploadedAt, &status, &deps, &incompat, &xpText, &r.Size, &r.InstalledSize)
	if err != nil {
		return nil, err
	}

	if r.Version, err = version.Parse(verText); err != nil {
		return nil, fmt.Errorf("corrupt version column: %w", err)
	}
	r.Status = store.VersionStatus(status)
	if err := json.Unmarshal(deps, &r.Dependencies); err != nil {
		return nil, fmt.Errorf("corrupt dependencies column: %w", err)
	}
	if err := json.Unmarshal(incompat, &r.Incompatibilities); err != nil {
		return nil, fmt.Errorf("corrupt incompatibilities column: %w", err)
	}
	if err := r.XPSelection.UnmarshalText([]byte(xpText)); err != nil {
		return nil, fmt.Errorf("corrupt xp_selection column: %w", err)
	}
	return &r, nil
}

func (s *Store) Version(ctx context.Context, packageID string, v version.Version) (*store.VersionRecord, error) {
	r, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE package_id = $1 AND version = $2`,
		strings.ToLower(packageID), v.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query version: %w", err)
	}
	return r, nil
}

func (s *Store) ListVersions(ctx context.Context, packageID string) ([]*store.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE package_id = $1`, strings.ToLower(packageID))
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []*store.VersionRecord
	for rows.Next() {
		r, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) VersionExists(ctx context.Context, packageID string, v version.Version) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM versions WHERE package_id = $1 AND version = $2)`,
		strings.ToLower(packageID), v.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check version: %w", err)
	}
	return exists, nil
}

// ResolveVersion's status guard lives in the WHERE clause: only a record
// still in Processing can resolve, and only once.
func (s *Store) ResolveVersion(ctx context.Context, packageID string, v version.Version, hash, location string, size, installedSize int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE versions SET status = $3, hash = $4, location = $5, size = $6, installed_size = $7
		WHERE package_id = $1 AND version = $2 AND status = $8`,
		strings.ToLower(packageID), v.String(), string(store.StatusProcessed),
		strings.ToUpper(hash), location, size, installedSize, string(store.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve version: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	exists, err := s.VersionExists(ctx, packageID, v)
	if err != nil {
		return err
	}
	if !exists {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	return store.ErrNotProcessing
}

// UpdateStatus validates the transition under a row lock.
func (s *Store) UpdateStatus(ctx context.Context, packageID string, v version.Version, status store.VersionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM versions WHERE package_id = $1 AND version = $2 FOR UPDATE`,
		strings.ToLower(packageID), v.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	if err != nil {
		return fmt.Errorf("failed to lock version: %w", err)
	}

	from := store.VersionStatus(current)
	if !from.CanTransition(status) {
		return &store.InvalidTransitionError{From: from, To: status}
	}

	query := `UPDATE versions SET status = $3 WHERE package_id = $1 AND version = $2`
	if status.Failed() || status == store.StatusAborted || status == store.StatusRemoved {
		query = `UPDATE versions SET status = $3, location = '` + store.NotStored + `' WHERE package_id = $1 AND version = $2`
	}
	if _, err := tx.ExecContext(ctx, query, strings.ToLower(packageID), v.String(), string(status)); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return tx.Commit()
}

func (s *Store) IncrementInstalls(ctx context.Context, packageID string, v version.Version) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE versions SET installs = installs + 1 WHERE package_id = $1 AND version = $2`,
		strings.ToLower(packageID), v.String())
	if err != nil {
		return fmt.Errorf("failed to increment installs: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.NoSuchPackageError{ID: packageID, Version: v.String()}
	}
	return nil
}
