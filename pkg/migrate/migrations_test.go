package migrate_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/migrate"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if err := migrate.Validate(migrate.Migrations()); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestEmbeddedMigrationsMatchSourceDir(t *testing.T) {
	embedded, err := fs.Glob(migrate.Migrations(), "*.sql")
	if err != nil {
		t.Fatalf("glob embedded: %v", err)
	}
	onDisk, err := fs.Glob(os.DirFS("migrations"), "*.sql")
	if err != nil {
		t.Fatalf("glob dir: %v", err)
	}
	if strings.Join(embedded, ",") != strings.Join(onDisk, ",") {
		t.Fatalf("embedded %v != on disk %v", embedded, onDisk)
	}
}

func TestMigrationsContainUniqueConstraints(t *testing.T) {
	cases := map[string][]string{
		"*_create_customers.sql": {
			"CREATE TABLE IF NOT EXISTS customers",
			"CONSTRAINT ux_customers_external_id UNIQUE (external_customer_id)",
			"DROP TABLE IF EXISTS customers",
		},
		"*_create_subscriptions.sql": {
			"CREATE TYPE subscription_status AS ENUM",
			"CONSTRAINT ux_subscriptions_external_id UNIQUE (external_subscription_id)",
			"CREATE TABLE IF NOT EXISTS subscription_transitions",
			"version integer NOT NULL DEFAULT 0",
			"DROP TYPE IF EXISTS subscription_status",
		},
		"*_create_processed_events.sql": {
			"CONSTRAINT ux_processed_events_external_id UNIQUE (external_event_id)",
			"DROP TABLE IF EXISTS processed_events",
		},
		"*_create_side_effect_intents.sql": {
			"CONSTRAINT ux_side_effect_intents_dedupe_key UNIQUE (dedupe_key)",
			"CREATE TABLE IF NOT EXISTS side_effect_dlq",
			"WHERE status = 'pending'",
		},
		"*_create_dashboard_access.sql": {
			"CREATE TABLE IF NOT EXISTS dashboard_access",
		},
	}

	fsys := migrate.Migrations()
	for pattern, checks := range cases {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			t.Fatalf("glob %s: %v", pattern, err)
		}
		if len(matches) != 1 {
			t.Fatalf("expected exactly one migration for %s, got %d", pattern, len(matches))
		}
		data, err := fs.ReadFile(fsys, matches[0])
		if err != nil {
			t.Fatalf("read migration file: %v", err)
		}
		content := string(data)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s missing expected statement %q", matches[0], sub)
			}
		}
	}
}

func TestValidateRejects(t *testing.T) {
	good := "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose StatementEnd\n-- +goose Down\nSELECT 1;\n"
	cases := map[string]fstest.MapFS{
		"bad name":     {"2026_add.sql": {Data: []byte(good)}},
		"duplicate":    {"20260301090000_a.sql": {Data: []byte(good)}, "20260301090000_b.sql": {Data: []byte(good)}},
		"missing down": {"20260301090000_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")}},
		"unbalanced":   {"20260301090000_a.sql": {Data: []byte("-- +goose Up\n-- +goose StatementBegin\n-- +goose Down\n")}},
		"down first":   {"20260301090000_a.sql": {Data: []byte("-- +goose Down\n-- +goose Up\n")}},
	}
	for name, fsys := range cases {
		if err := migrate.Validate(fsys); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	path, err := migrate.CreateSQLMigration(dir, "Add Intent Index!", now)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if filepath.Base(path) != "20261019083000_add_intent_index.sql" {
		t.Fatalf("unexpected filename %s", path)
	}
	if err := migrate.Validate(os.DirFS(dir)); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "add intent index", now); err == nil {
		t.Fatal("expected an error when the file already exists")
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!", now); err == nil {
		t.Fatal("expected an error for a name with no usable characters")
	}
}
