package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatherspace/gatherspace/internal/services/hub/storage"
)

// PutProfile inserts one participant profile row.
func (s *Store) PutProfile(ctx context.Context, profile storage.ProfileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeProfileRecord(profile)
	if err != nil {
		return err
	}

	var affiliation sql.NullString
	if normalized.Affiliation != nil {
		affiliation = sql.NullString{String: *normalized.Affiliation, Valid: true}
	}
	var linkedAt sql.NullInt64
	if normalized.LinkedAt != nil {
		linkedAt = sql.NullInt64{Int64: toMillis(*normalized.LinkedAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO profiles (
		id, email, name, affiliation, linked_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		normalized.ID,
		normalized.Email,
		normalized.Name,
		affiliation,
		linkedAt,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

// GetProfileByEmail loads one profile by its unique email.
func (s *Store) GetProfileByEmail(ctx context.Context, email string) (storage.ProfileRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProfileRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ProfileRecord{}, fmt.Errorf("storage is not configured")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return storage.ProfileRecord{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, name, affiliation, linked_at, created_at, updated_at
FROM profiles
WHERE email = ?
`, email)
	record, err := scanProfile(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProfileRecord{}, storage.ErrNotFound
		}
		return storage.ProfileRecord{}, fmt.Errorf("get profile by email: %w", err)
	}
	return record, nil
}

// GetProfileByID loads one profile by its unique id.
func (s *Store) GetProfileByID(ctx context.Context, profileID string) (storage.ProfileRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProfileRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ProfileRecord{}, fmt.Errorf("storage is not configured")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return storage.ProfileRecord{}, fmt.Errorf("profile id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, name, affiliation, linked_at, created_at, updated_at
FROM profiles
WHERE id = ?
`, profileID)
	record, err := scanProfile(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProfileRecord{}, storage.ErrNotFound
		}
		return storage.ProfileRecord{}, fmt.Errorf("get profile by id: %w", err)
	}
	return record, nil
}

// LinkProfileID reassigns one profile id keyed by unique email and stamps linkage.
func (s *Store) LinkProfileID(ctx context.Context, email string, profileID string, linkedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	profileID = strings.TrimSpace(profileID)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if profileID == "" {
		return fmt.Errorf("profile id is required")
	}
	if linkedAt.IsZero() {
		return fmt.Errorf("linked at is required")
	}

	now := linkedAt.UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE profiles
SET id = ?, linked_at = ?, updated_at = ?
WHERE email = ?
`, profileID, toMillis(now), toMillis(now), email)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("link profile id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link profile id rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListProfiles lists all participant profiles ordered by display name.
func (s *Store) ListProfiles(ctx context.Context) ([]storage.ProfileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, email, name, affiliation, linked_at, created_at, updated_at
FROM profiles
ORDER BY name ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var results []storage.ProfileRecord
	for rows.Next() {
		record, scanErr := scanProfile(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan profile row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile rows: %w", err)
	}
	return results, nil
}

func normalizeProfileRecord(record storage.ProfileRecord) (storage.ProfileRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Email = strings.ToLower(strings.TrimSpace(record.Email))
	record.Name = strings.TrimSpace(record.Name)
	if record.Affiliation != nil {
		affiliation := strings.TrimSpace(*record.Affiliation)
		record.Affiliation = &affiliation
	}
	if record.ID == "" {
		return storage.ProfileRecord{}, fmt.Errorf("profile id is required")
	}
	if record.Email == "" {
		return storage.ProfileRecord{}, fmt.Errorf("email is required")
	}
	if record.Name == "" {
		return storage.ProfileRecord{}, fmt.Errorf("name is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.ProfileRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.ProfileRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.LinkedAt != nil {
		linkedAt := record.LinkedAt.UTC()
		record.LinkedAt = &linkedAt
	}
	return record, nil
}

func scanProfile(scan scanner) (storage.ProfileRecord, error) {
	var record storage.ProfileRecord
	var affiliation sql.NullString
	var linkedAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.Email,
		&record.Name,
		&affiliation,
		&linkedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.ProfileRecord{}, err
	}
	if affiliation.Valid {
		value := affiliation.String
		record.Affiliation = &value
	}
	if linkedAt.Valid {
		value := fromMillis(linkedAt.Int64)
		record.LinkedAt = &value
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
