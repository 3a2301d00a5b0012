// Package migrations embeds the CockroachDB schema.
package migrations

import (
	"context"
	"embed"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var migrationFiles embed.FS

// Names lists the embedded migrations in the order Apply runs them.
func Names() ([]string, error) {
	entries, err := migrationFiles.ReadDir(".")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs embedded SQL migrations in filename order, skipping those
// already recorded in schema_migrations. It returns the names it applied.
func Apply(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	names, err := Names()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire conn")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return nil, errors.Wrap(err, "ensure schema_migrations")
	}

	var applied []string
	for _, name := range names {
		var done bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&done); err != nil {
			return applied, errors.Wrapf(err, "check migration %s", name)
		}
		if done {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return applied, errors.Wrapf(err, "read migration %s", name)
		}
		sql := strings.TrimSpace(string(body))
		if sql == "" {
			continue
		}
		if _, err := conn.Exec(ctx, sql); err != nil {
			return applied, errors.Wrapf(err, "exec migration %s", name)
		}
		// A concurrent runner may have recorded it first; the DDL is idempotent.
		if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
			return applied, errors.Wrapf(err, "record migration %s", name)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
