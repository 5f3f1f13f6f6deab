package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect selects the placeholder style of a SQLRevocationStore.
type Dialect int

const (
	// DialectSQLite uses "?" placeholders (mattn/go-sqlite3).
	DialectSQLite Dialect = iota

	// DialectPostgres uses "$n" placeholders (pgx stdlib).
	DialectPostgres
)

// String returns the dialect name used in config and logs.
func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites "?" placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// postgresSchema mirrors the SQLite migration for deployments that keep the
// revocation list in a shared Postgres database.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS revoked_tokens (
    token_id   TEXT PRIMARY KEY,
    expires_at BIGINT NOT NULL,
    revoked_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires_at ON revoked_tokens (expires_at)`

// SQLRevocationStore is a RevocationStore backed by the revoked_tokens table.
//
// The atomic check-and-set relies on the primary key: an INSERT that
// conflicts affects zero rows, so RowsAffected decides the single winner
// regardless of how many connections race.
type SQLRevocationStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	qIsRevoked      string
	qRevoke         string
	qRevokeIfActive string
	qPrune          string
}

// NewSQLRevocationStore creates a store over db using the given dialect.
func NewSQLRevocationStore(db *sql.DB, dialect Dialect) *SQLRevocationStore {
	return &SQLRevocationStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,

		qIsRevoked: dialect.rebind(
			`SELECT 1 FROM revoked_tokens WHERE token_id = ?`),
		qRevoke: dialect.rebind(
			`INSERT INTO revoked_tokens (token_id, expires_at, revoked_at) VALUES (?, ?, ?)
			 ON CONFLICT (token_id) DO UPDATE SET expires_at = excluded.expires_at
			 WHERE excluded.expires_at > revoked_tokens.expires_at`),
		qRevokeIfActive: dialect.rebind(
			`INSERT INTO revoked_tokens (token_id, expires_at, revoked_at) VALUES (?, ?, ?)
			 ON CONFLICT (token_id) DO NOTHING`),
		qPrune: dialect.rebind(
			`DELETE FROM revoked_tokens WHERE expires_at <= ?`),
	}
}

// EnsureSchema creates the revoked_tokens table on Postgres. SQLite
// databases get it from the embedded migrations, so this is a no-op there.
func (s *SQLRevocationStore) EnsureSchema(ctx context.Context) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating revoked_tokens schema: %w", err)
	}
	return nil
}

// IsRevoked implements RevocationStore.
func (s *SQLRevocationStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.qIsRevoked, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return true, nil
}

// Revoke implements RevocationStore.
func (s *SQLRevocationStore) Revoke(ctx context.Context, id string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.qRevoke, id, expiresAt.Unix(), s.now().Unix()); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// RevokeIfActive implements RevocationStore.
func (s *SQLRevocationStore) RevokeIfActive(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.qRevokeIfActive, id, expiresAt.Unix(), s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("consuming token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming token: %w", err)
	}
	return n == 1, nil
}

// Prune implements RevocationStore.
func (s *SQLRevocationStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.qPrune, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning revocations: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // both drivers report it
	return n, nil
}
