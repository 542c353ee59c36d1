package outbox

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chemchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("outbox: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("outbox: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed outbox Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chemchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("outbox: nil pool")
	}
	return st, nil
}

// Schema returns the configured schema name.
func (s *PostgresStore) Schema() string { return s.schema }

// AppendTx stages an entry inside an open transaction. The caller owns the
// transaction; the append commits or rolls back together with the state
// mutation it describes. This is the one hard transactional boundary of the
// pipeline.
func AppendTx(ctx context.Context, tx pgx.Tx, schema string, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !isValidPGIdent(schema) {
		return errors.New("outbox: invalid schema identifier")
	}

	table := pgIdent(schema, "outbox_entries")
	_, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (
		     id, tenant_id, aggregate_type, aggregate_id, event_type, payload, created_at, retry_count
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		e.ID, nullable(e.TenantID), e.AggregateType, e.AggregateID, e.EventType, []byte(e.Payload), e.CreatedAt.UTC(),
	)
	return err
}

// FetchPending returns unpublished entries ordered by creation time ASC.
func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("outbox: nil store")
	}
	if limit <= 0 {
		limit = 100
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := pgIdent(s.schema, "outbox_entries")
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at, retry_count
		   FROM `+table+`
		  WHERE published_at IS NULL
		  ORDER BY created_at ASC, id ASC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e      Entry
			tenant *string
		)
		if err := rows.Scan(
			&e.ID, &tenant, &e.AggregateType, &e.AggregateID,
			&e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt, &e.RetryCount,
		); err != nil {
			return nil, err
		}
		if tenant != nil {
			e.TenantID = *tenant
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished stamps publication time. Already-published entries are left
// untouched so replays are no-ops.
func (s *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("outbox: nil store")
	}
	table := pgIdent(s.schema, "outbox_entries")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		    SET published_at = $2
		  WHERE id = $1 AND published_at IS NULL`,
		id, at.UTC(),
	)
	return err
}

// IncrementRetry bumps the retry counter of an unpublished entry.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("outbox: nil store")
	}
	table := pgIdent(s.schema, "outbox_entries")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		    SET retry_count = retry_count + 1
		  WHERE id = $1 AND published_at IS NULL`,
		id,
	)
	return err
}

// DeletePublishedBefore removes published entries older than cutoff.
func (s *PostgresStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("outbox: nil store")
	}
	table := pgIdent(s.schema, "outbox_entries")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+table+` WHERE published_at IS NOT NULL AND published_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
