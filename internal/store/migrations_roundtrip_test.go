package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var beaconTables = []string{
	"organizations",
	"users",
	"projects",
	"spaces",
	"space_user_access",
	"saved_charts",
	"dashboards",
	"dashboard_tiles",
	"dashboard_tile_comments",
	"refresh_sessions",
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	ups, err := MigrationFiles(migrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}

	applied, err := ApplyMigrationsCount(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations: %v", err)
	}
	if applied != len(ups) {
		t.Fatalf("expected %d migrations applied, got %d", len(ups), applied)
	}
	if again, err := ApplyMigrationsCount(ctx, db, migrationsDir); err != nil || again != 0 {
		t.Fatalf("expected re-run to apply nothing, got %d (err=%v)", again, err)
	}
	for _, table := range beaconTables {
		if !tableExists(ctx, t, db, table) {
			t.Fatalf("table %s missing after up migrations", table)
		}
	}

	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i], ".up.sql") + ".down.sql"
		contents, err := os.ReadFile(down)
		if err != nil {
			t.Fatalf("read %s: %v", down, err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(down), err)
		}
	}
	for _, table := range beaconTables {
		if tableExists(ctx, t, db, table) {
			t.Fatalf("table %s survived down migrations", table)
		}
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("re-apply up migrations: %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var name sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, "public."+table).Scan(&name); err != nil {
		t.Fatalf("lookup table %s: %v", table, err)
	}
	return name.Valid
}
