package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

// ProfileRepository reads and writes user_profiles rows.
type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetProfile retrieves a profile by identity ID
func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	query := `
		SELECT id, email, name, role, district, state, organization, phone,
		       is_active, created_at, last_login
		FROM user_profiles
		WHERE id = $1
	`

	var (
		rowID, email, role                         string
		name, district, state, organization, phone sql.NullString
		isActive                                   bool
		createdAt, lastLogin                       sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rowID,
		&email,
		&name,
		&role,
		&district,
		&state,
		&organization,
		&phone,
		&isActive,
		&createdAt,
		&lastLogin,
	)
	if err != nil {
		return nil, classify(err)
	}

	parsedRole, err := domain.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", rowID, err)
	}

	params := domain.ProfileParams{
		ID:           rowID,
		Email:        email,
		Name:         name.String,
		Role:         parsedRole,
		District:     district.String,
		State:        state.String,
		Organization: nullable(organization),
		Phone:        nullable(phone),
		IsActive:     &isActive,
		CreatedAt:    createdAt.Time,
		Source:       domain.SourcePersisted,
	}
	if lastLogin.Valid {
		params.LastLogin = &lastLogin.Time
	}

	return domain.NewProfile(params)
}

// UpsertProfile creates the row for an identity if it does not exist yet.
// Existing rows are left untouched, so it is safe to call on every sign-in.
func (r *ProfileRepository) UpsertProfile(ctx context.Context, seed domain.ProfileSeed) error {
	if seed.ID == "" {
		return domain.ErrProfileIDRequired
	}
	if seed.Email == "" {
		return domain.ErrEmailRequired
	}
	role := seed.Role
	if role == "" {
		role = domain.RoleCitizen
	}

	query := `
		INSERT INTO user_profiles (id, email, name, role, phone, is_active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, TRUE, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`

	var phone sql.NullString
	if seed.Phone != nil {
		phone = sql.NullString{String: *seed.Phone, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, query, seed.ID, seed.Email, seed.Name, string(role), phone); err != nil {
		return classify(err)
	}
	return nil
}

// UpdateLastLogin updates the last login timestamp
func (r *ProfileRepository) UpdateLastLogin(ctx context.Context, id string) error {
	query := `
		UPDATE user_profiles
		SET last_login = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return classify(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrProfileNotFound
	}
	return nil
}

// classify maps driver errors onto the domain error taxonomy.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrProfileNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501":
			return fmt.Errorf("%w: %w", domain.ErrAccessDenied, err)
		case pqErr.Code.Class() == "08",
			pqErr.Code.Class() == "53",
			pqErr.Code == "57P01",
			pqErr.Code == "40001":
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
