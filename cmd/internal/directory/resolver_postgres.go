package directory

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver resolves display names from the users table. It does not
// own the pool; the caller closes it.
type PostgresResolver struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresResolverOption configures PostgresResolver behavior.
type PostgresResolverOption func(*PostgresResolver) error

// WithResolverSchema sets the DB schema (default: "chemchat").
func WithResolverSchema(schema string) PostgresResolverOption {
	return func(r *PostgresResolver) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !resolverIdentRE.MatchString(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresResolver constructs a Resolver backed by the users table.
func NewPostgresResolver(pool *pgxpool.Pool, opts ...PostgresResolverOption) (*PostgresResolver, error) {
	r := &PostgresResolver{pool: pool, schema: "chemchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return r, nil
}

// DisplayName implements Resolver. Single-tenant deployments store users with
// a NULL tenant_id and look them up with an empty tenantID.
func (r *PostgresResolver) DisplayName(ctx context.Context, tenantID, userID string) (string, bool, error) {
	if r == nil || r.pool == nil {
		return "", false, errors.New("directory: nil resolver")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", false, nil
	}

	users := pgx.Identifier{r.schema, "users"}.Sanitize()

	var (
		name string
		err  error
	)
	if tenantID == "" {
		err = r.pool.QueryRow(ctx,
			`SELECT display_name FROM `+users+`
			  WHERE id = $1 AND tenant_id IS NULL`, userID).Scan(&name)
	} else {
		err = r.pool.QueryRow(ctx,
			`SELECT display_name FROM `+users+`
			  WHERE id = $1 AND tenant_id = $2`, userID, tenantID).Scan(&name)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	return name, true, nil
}

var resolverIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
