package users

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const selectColumns = `buwana_id, email, first_name, last_name, full_name, role,
	account_status, earthling_emoji, login_count, created_at, last_login`

// SQLiteStore persists identities in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn and applies pending migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open users database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps upserts serialised.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping users database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the identity for buwanaID.
func (s *SQLiteStore) Get(ctx context.Context, buwanaID int64) (Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users_tb WHERE buwana_id = ?`, buwanaID))
}

// Upsert creates the record on first login and merges into it afterwards.
// A concurrent first login for the same id surfaces as a unique violation and
// is retried as an update.
func (s *SQLiteStore) Upsert(ctx context.Context, u Update, now time.Time) (Identity, error) {
	now = now.UTC().Truncate(time.Millisecond)
	id, err := s.upsertOnce(ctx, u, now)
	if isUniqueViolation(err) {
		id, err = s.upsertOnce(ctx, u, now)
	}
	return id, err
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, u Update, now time.Time) (Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer rollback(tx)

	existing, err := scanIdentity(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users_tb WHERE buwana_id = ?`, u.BuwanaID))

	var out Identity
	switch {
	case errors.Is(err, ErrNotFound):
		out = newIdentity(u, now)
		_, err = tx.ExecContext(ctx, `INSERT INTO users_tb (`+selectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.BuwanaID, out.Email, out.FirstName, out.LastName, out.FullName, out.Role,
			out.AccountStatus, out.EarthlingEmoji, out.LoginCount,
			out.CreatedAt.UnixMilli(), out.LastLogin.UnixMilli())
		if err != nil {
			return Identity{}, fmt.Errorf("insert user %d: %w", u.BuwanaID, err)
		}
	case err != nil:
		return Identity{}, err
	default:
		out = merge(existing, u, now)
		_, err = tx.ExecContext(ctx, `UPDATE users_tb SET
			email = ?, first_name = ?, last_name = ?, full_name = ?, role = ?,
			earthling_emoji = ?, login_count = ?, last_login = ?
			WHERE buwana_id = ?`,
			out.Email, out.FirstName, out.LastName, out.FullName, out.Role,
			out.EarthlingEmoji, out.LoginCount, out.LastLogin.UnixMilli(), out.BuwanaID)
		if err != nil {
			return Identity{}, fmt.Errorf("update user %d: %w", u.BuwanaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Identity{}, fmt.Errorf("commit upsert: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var (
		id                 Identity
		createdAt, lastLog int64
	)
	err := row.Scan(&id.BuwanaID, &id.Email, &id.FirstName, &id.LastName, &id.FullName, &id.Role,
		&id.AccountStatus, &id.EarthlingEmoji, &id.LoginCount, &createdAt, &lastLog)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("scan user: %w", err)
	}
	id.CreatedAt = time.UnixMilli(createdAt).UTC()
	id.LastLogin = time.UnixMilli(lastLog).UTC()
	return id, nil
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
