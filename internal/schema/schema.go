// Package schema ships the tables the service reads and writes. Migrations
// are managed elsewhere; integration tests apply this file directly.
package schema

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var SQL string

// Apply creates any missing tables.
func Apply(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, SQL)
	return err
}
