// Package testdb connects integration tests to a disposable Postgres.
package testdb

import (
	"context"
	"os"
	"testing"

	"billingSyncAPI/internal/schema"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Setup returns a pool with the schema applied, or skips the test when
// TEST_DATABASE_URL is not set.
func Setup(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}
	if err := schema.Apply(ctx, pool); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	t.Cleanup(func() { cleanup(t, pool) })
	return pool
}

func cleanup(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	for _, q := range []string{
		"DELETE FROM subscriptions WHERE stripe_subscription_id LIKE 'sub_test_%'",
		"DELETE FROM billing_webhook_events WHERE provider_event_id LIKE 'evt_test_%'",
		"DELETE FROM users WHERE email LIKE 'test%@example.com'",
	} {
		if _, err := pool.Exec(ctx, q); err != nil {
			t.Logf("Warning: failed to cleanup test data: %v", err)
		}
	}
	pool.Close()
}

// CreateUser inserts a user and returns its id.
func CreateUser(t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()

	var id string
	err := pool.QueryRow(context.Background(),
		"INSERT INTO users (email, username) VALUES ($1, $2) RETURNING id::text", email, email,
	).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return id
}
