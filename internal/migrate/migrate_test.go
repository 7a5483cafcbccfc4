package migrate_test

import (
	"database/sql"
	"testing"

	"processline/internal/db"
	"processline/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateFreshDatabase(t *testing.T) {
	conn := openDB(t)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
	var name string
	if err := conn.QueryRow(`SELECT name FROM schema_migrations WHERE version = 1`).Scan(&name); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if name != "init" {
		t.Fatalf("recorded migration name: %s", name)
	}
	if _, err := conn.Exec(
		`INSERT INTO entities (id, entity_type, status, attributes, created_at, updated_at)
		 VALUES ('e-1', 'contract', 'ACTIVE', '{}', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("entities table unusable after migrate: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openDB(t)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one recorded migration, got %d", rows)
	}
}

func TestVersionOnFreshDatabaseIsZero(t *testing.T) {
	conn := openDB(t)
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}
