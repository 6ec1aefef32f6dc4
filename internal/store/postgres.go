package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/pkg/contracts/domain"
)

const (
	defaultAllowListTable = "keygate_allowlist"
	defaultLicenseTable   = "keygate_licenses"

	// Postgres unique_violation
	pgUniqueViolation = "23505"
)

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithAllowListTable sets the allow-list table name. Default: "keygate_allowlist".
func WithAllowListTable(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.allowTable = name
	}
}

// WithLicenseTable sets the license table name. Default: "keygate_licenses".
func WithLicenseTable(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.licenseTable = name
	}
}

// PostgresStore implements AllowListStore and LicenseStore on PostgreSQL.
// Row-level atomicity does all the concurrency work: consumption is a
// filtered UPDATE, key uniqueness is the primary key with ON CONFLICT, and
// the status transition is a filtered UPDATE keyed on the prior status.
type PostgresStore struct {
	pool         *pgxpool.Pool
	allowTable   string
	licenseTable string
}

// NewPostgresStore creates a PostgreSQL-backed store. It auto-creates the
// tables and indexes on initialization; the caller manages the pool
// lifecycle.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:         pool,
		allowTable:   defaultAllowListTable,
		licenseTable: defaultLicenseTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range []string{s.allowTable, s.licenseTable} {
		if !validIdentifier.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", name)
		}
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id     TEXT PRIMARY KEY,
			consumed    BOOLEAN NOT NULL DEFAULT FALSE,
			consumed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %s (
			license_key      TEXT PRIMARY KEY,
			owner_email      TEXT NOT NULL,
			owner_name       TEXT NOT NULL DEFAULT '',
			owner_phone      TEXT NOT NULL DEFAULT '',
			user_identity    TEXT NOT NULL,
			status           TEXT NOT NULL,
			bound_machine_id TEXT NOT NULL DEFAULT '',
			activated_at     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_user_identity
			ON %s (user_identity);
	`, s.allowTable, s.licenseTable, s.licenseTable, s.licenseTable)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// IsEligible implements AllowListStore.
func (s *PostgresStore) IsEligible(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE user_id = $1 AND consumed = FALSE)`, s.allowTable)
	var eligible bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&eligible); err != nil {
		return false, classify("check eligibility", err)
	}
	return eligible, nil
}

// TryConsume implements AllowListStore. The filtered UPDATE is the atomic
// step: the row moves to consumed at most once no matter how many callers
// race, and RowsAffected tells each caller whether it won.
func (s *PostgresStore) TryConsume(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET consumed = TRUE, consumed_at = NOW() WHERE user_id = $1 AND consumed = FALSE`, s.allowTable)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, classify("consume identity", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Lookup implements AllowListStore.
func (s *PostgresStore) Lookup(ctx context.Context, id string) (*domain.AllowListEntry, error) {
	query := fmt.Sprintf(`SELECT user_id, consumed, consumed_at FROM %s WHERE user_id = $1`, s.allowTable)
	var entry domain.AllowListEntry
	err := s.pool.QueryRow(ctx, query, id).Scan(&entry.UserID, &entry.Consumed, &entry.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("lookup identity", err)
	}
	return &entry, nil
}

// Seed implements AllowListStore.
func (s *PostgresStore) Seed(ctx context.Context, ids []string) (int, error) {
	query := fmt.Sprintf(`INSERT INTO %s (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, s.allowTable)
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		tag, err := s.pool.Exec(ctx, query, id)
		if err != nil {
			return added, classify(fmt.Sprintf("seed identity %q", id), err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Count implements AllowListStore.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.allowTable)
	var count int64
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, classify("count identities", err)
	}
	return count, nil
}

// InsertIfAbsent implements LicenseStore. ON CONFLICT DO NOTHING covers the
// key race; a unique violation can then only come from the user-identity
// index, which is not retryable.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, rec *domain.LicenseRecord) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (license_key, owner_email, owner_name, owner_phone, user_identity, status, bound_machine_id, activated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (license_key) DO NOTHING
	`, s.licenseTable)
	tag, err := s.pool.Exec(ctx, query,
		rec.LicenseKey, rec.OwnerEmail, rec.OwnerName, rec.OwnerPhone,
		rec.UserIdentity, string(rec.Status), rec.BoundMachineID, rec.ActivatedAt, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, ErrDuplicateIdentity
		}
		return false, classify("insert license", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByKey implements LicenseStore.
func (s *PostgresStore) FindByKey(ctx context.Context, key string) (*domain.LicenseRecord, error) {
	query := fmt.Sprintf(`
		SELECT license_key, owner_email, owner_name, owner_phone, user_identity, status, bound_machine_id, activated_at, created_at
		FROM %s WHERE license_key = $1
	`, s.licenseTable)
	return s.scanRecord(s.pool.QueryRow(ctx, query, key), "find license by key")
}

// FindByUserIdentity implements LicenseStore.
func (s *PostgresStore) FindByUserIdentity(ctx context.Context, id string) (*domain.LicenseRecord, error) {
	query := fmt.Sprintf(`
		SELECT license_key, owner_email, owner_name, owner_phone, user_identity, status, bound_machine_id, activated_at, created_at
		FROM %s WHERE user_identity = $1
	`, s.licenseTable)
	return s.scanRecord(s.pool.QueryRow(ctx, query, id), "find license by identity")
}

func (s *PostgresStore) scanRecord(row pgx.Row, op string) (*domain.LicenseRecord, error) {
	var rec domain.LicenseRecord
	var status string
	err := row.Scan(&rec.LicenseKey, &rec.OwnerEmail, &rec.OwnerName, &rec.OwnerPhone,
		&rec.UserIdentity, &status, &rec.BoundMachineID, &rec.ActivatedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(op, err)
	}
	rec.Status = domain.LicenseStatus(status)
	return &rec, nil
}

// CompareAndSwapStatus implements LicenseStore.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, key string, expected domain.LicenseStatus, act domain.Activation) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, bound_machine_id = $2, activated_at = $3
		WHERE license_key = $4 AND status = $5
	`, s.licenseTable)
	tag, err := s.pool.Exec(ctx, query,
		string(domain.LicenseStatusActivated), act.MachineID, act.ActivatedAt, key, string(expected),
	)
	if err != nil {
		return false, classify("swap license status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping implements Pinger.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
