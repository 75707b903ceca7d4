package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/sebas/registrard/internal/registrar/binding"
)

// PostgresStore is a BindingStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a connection with the given DSN and verifies it.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the bindings table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS registrar_bindings (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	owner            TEXT NOT NULL,
	account_name     TEXT NOT NULL,
	contact_uri      TEXT NOT NULL,
	call_id          TEXT NOT NULL,
	cseq             BIGINT NOT NULL,
	user_agent       TEXT,
	remote_socket    TEXT NOT NULL,
	proxy_socket     TEXT,
	registrar_socket TEXT,
	expiry           INTEGER NOT NULL,
	last_update      TIMESTAMPTZ NOT NULL,
	expiry_time      TIMESTAMPTZ NOT NULL,
	removal_reason   TEXT
);
CREATE INDEX IF NOT EXISTS registrar_bindings_account_idx ON registrar_bindings (account_id);
CREATE INDEX IF NOT EXISTS registrar_bindings_expiry_idx ON registrar_bindings (expiry_time);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const bindingColumns = `
	id,
	account_id,
	owner,
	account_name,
	contact_uri,
	call_id,
	cseq,
	user_agent,
	remote_socket,
	proxy_socket,
	registrar_socket,
	expiry,
	last_update,
	expiry_time,
	removal_reason`

func (s *PostgresStore) Add(ctx context.Context, b *binding.Binding) error {
	query := `
INSERT INTO registrar_bindings (` + bindingColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.AccountID,
		b.Owner,
		b.AccountName,
		b.ContactURI,
		b.CallID,
		int64(b.CSeq),
		nullString(b.UserAgent),
		b.RemoteSocket,
		nullString(b.ProxySocket),
		nullString(b.RegistrarSocket),
		b.Expiry,
		b.LastUpdate,
		b.ExpiryTime,
		nullString(string(b.RemovalReason)),
	)
	if err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, b *binding.Binding) error {
	query := `
UPDATE registrar_bindings SET
	contact_uri = $2,
	call_id = $3,
	cseq = $4,
	user_agent = $5,
	remote_socket = $6,
	proxy_socket = $7,
	registrar_socket = $8,
	expiry = $9,
	last_update = $10,
	expiry_time = $11,
	removal_reason = $12
WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.ContactURI,
		b.CallID,
		int64(b.CSeq),
		nullString(b.UserAgent),
		b.RemoteSocket,
		nullString(b.ProxySocket),
		nullString(b.RegistrarSocket),
		b.Expiry,
		b.LastUpdate,
		b.ExpiryTime,
		nullString(string(b.RemovalReason)),
	)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update binding %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, b *binding.Binding) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM registrar_bindings WHERE id = $1`, b.ID); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchOne(ctx context.Context, f Filter) (*binding.Binding, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + bindingColumns + ` FROM registrar_bindings` + where + ` LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch binding: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) FetchMany(ctx context.Context, f Filter, order Order, offset, limit int) ([]*binding.Binding, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + bindingColumns + ` FROM registrar_bindings` + where

	switch order {
	case OrderLastUpdateAsc:
		query += ` ORDER BY last_update ASC`
	default:
		query += ` ORDER BY id ASC`
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch bindings: %w", err)
	}
	defer rows.Close()

	var result []*binding.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch bindings: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrar_bindings`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bindings: %w", err)
	}
	return n, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.AccountID != "" {
		args = append(args, f.AccountID)
		conds = append(conds, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.ContactURI != "" {
		args = append(args, f.ContactURI)
		conds = append(conds, fmt.Sprintf("contact_uri = $%d", len(args)))
	}
	if !f.ExpiredBefore.IsZero() {
		args = append(args, f.ExpiredBefore)
		conds = append(conds, fmt.Sprintf("expiry_time < $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBinding(row scanner) (*binding.Binding, error) {
	var (
		b          binding.Binding
		cseq       int64
		userAgent  sql.NullString
		proxy      sql.NullString
		registrar  sql.NullString
		reason     sql.NullString
		lastUpdate time.Time
		expiryTime time.Time
	)

	if err := row.Scan(
		&b.ID,
		&b.AccountID,
		&b.Owner,
		&b.AccountName,
		&b.ContactURI,
		&b.CallID,
		&cseq,
		&userAgent,
		&b.RemoteSocket,
		&proxy,
		&registrar,
		&b.Expiry,
		&lastUpdate,
		&expiryTime,
		&reason,
	); err != nil {
		return nil, err
	}

	b.CSeq = uint32(cseq)
	b.UserAgent = userAgent.String
	b.ProxySocket = proxy.String
	b.RegistrarSocket = registrar.String
	b.RemovalReason = binding.RemovalReason(reason.String)
	b.LastUpdate = lastUpdate.UTC()
	b.ExpiryTime = expiryTime.UTC()
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
