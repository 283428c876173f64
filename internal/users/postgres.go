package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/helixgate/gateway/internal/auth"
)

// Postgres is a sqlx/lib-pq backed UserLookup.
type Postgres struct {
	db *sqlx.DB
}

// principalRow mirrors the principals table's columns.
type principalRow struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	Tier         string         `db:"tier"`
	Status       string         `db:"status"`
	PasswordHash string         `db:"password_hash"`
	Roles        sql.NullString `db:"roles"` // comma-separated
}

// OpenPostgres opens a sqlx connection pool against dsn.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("users: connect postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an already-open *sqlx.DB, mainly for go-sqlmock tests.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

const selectPrincipalColumns = `id, email, tier, status, password_hash, roles`

func (p *Postgres) ByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	var row principalRow
	query := fmt.Sprintf(`SELECT %s FROM principals WHERE lower(email) = lower($1)`, selectPrincipalColumns)
	if err := p.db.GetContext(ctx, &row, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: lookup by email: %w", err)
	}
	return toPrincipal(row), nil
}

func (p *Postgres) ByID(ctx context.Context, id string) (*auth.Principal, error) {
	var row principalRow
	query := fmt.Sprintf(`SELECT %s FROM principals WHERE id = $1`, selectPrincipalColumns)
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: lookup by id: %w", err)
	}
	return toPrincipal(row), nil
}

func toPrincipal(row principalRow) *auth.Principal {
	var roles []string
	if row.Roles.Valid && row.Roles.String != "" {
		roles = strings.Split(row.Roles.String, ",")
	}
	return &auth.Principal{
		ID:           row.ID,
		Email:        row.Email,
		Tier:         auth.Tier(row.Tier),
		Status:       auth.Status(row.Status),
		PasswordHash: row.PasswordHash,
		Roles:        roles,
	}
}
