package store

import (
	"context"
	"os"
	"testing"
)

// TestPostgresRepository runs against a disposable database when POSTGRES_TEST_DSN is set.
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()

	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := st.pool.Exec(ctx, `TRUNCATE downloads RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	exerciseRepository(t, st)
}
