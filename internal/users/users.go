// Package users provides UserLookup implementations for TokenService: an
// in-memory store for tests and small deployments, and a PostgreSQL store
// (jmoiron/sqlx + lib/pq) for production. Query shape grounded on
// applications/storage/postgres/store_secrets.go.
package users

import (
	"errors"

	"github.com/helixgate/gateway/internal/auth"
)

// ErrNotFound is returned when no principal matches the lookup key.
var ErrNotFound = errors.New("users: not found")

// compile-time assertions that both implementations satisfy auth.UserLookup.
var (
	_ auth.UserLookup = (*Memory)(nil)
	_ auth.UserLookup = (*Postgres)(nil)
)
