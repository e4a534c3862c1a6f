package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore resolves keys against the authoritative secret_keys table.
// Lookups hit the row directly, so status transitions made by the console
// are read-your-writes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, secretKey string) (*Resolution, error) {
	if err := ValidateFormat(secretKey); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, project_id, status, revoked_at
		FROM secret_keys
		WHERE fingerprint = $1`

	var (
		rec       Resolution
		status    string
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, Fingerprint(secretKey)).
		Scan(&rec.KeyID, &rec.ProjectID, &status, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve secret key: %w", err)
	}

	rec.Status = Status(status)
	// A set revoked_at wins over whatever the status column says
	if revokedAt.Valid && !revokedAt.Time.After(time.Now()) {
		rec.Status = StatusRevoked
	}
	if err := statusError(rec.Status); err != nil {
		return nil, err
	}
	return &rec, nil
}
