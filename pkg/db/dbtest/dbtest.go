// Package dbtest opens isolated SQLite databases carrying the reconciler schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
  id TEXT PRIMARY KEY,
  external_customer_id TEXT NOT NULL,
  email TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  created_at DATETIME,
  updated_at DATETIME,
  CONSTRAINT ux_customers_external_id UNIQUE (external_customer_id)
);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  external_subscription_id TEXT NOT NULL,
  customer_id TEXT,
  external_customer_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  current_period_end DATETIME,
  cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
  cancellation_effective_at DATETIME,
  cancellation_reason TEXT,
  canceled_at DATETIME,
  reactivated_at DATETIME,
  is_placeholder INTEGER NOT NULL DEFAULT 0,
  last_event_id TEXT NOT NULL DEFAULT '',
  last_event_at DATETIME,
  status_event_at DATETIME,
  metadata TEXT,
  version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME,
  CONSTRAINT ux_subscriptions_external_id UNIQUE (external_subscription_id)
);`,
	`CREATE TABLE IF NOT EXISTS subscription_transitions (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  from_status TEXT,
  to_status TEXT NOT NULL,
  trigger_kind TEXT NOT NULL,
  event_id TEXT NOT NULL,
  occurred_at DATETIME NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS processed_events (
  id TEXT PRIMARY KEY,
  external_event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  outcome TEXT NOT NULL,
  external_subscription_id TEXT,
  received_at DATETIME NOT NULL,
  processed_at DATETIME,
  CONSTRAINT ux_processed_events_external_id UNIQUE (external_event_id)
);`,
	`CREATE TABLE IF NOT EXISTS side_effect_intents (
  id TEXT PRIMARY KEY,
  dedupe_key TEXT NOT NULL,
  event_id TEXT NOT NULL,
  subscription_id TEXT,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  sequence INTEGER NOT NULL DEFAULT 0,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME NOT NULL,
  last_error TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  completed_at DATETIME,
  CONSTRAINT ux_side_effect_intents_dedupe_key UNIQUE (dedupe_key)
);`,
	`CREATE TABLE IF NOT EXISTS side_effect_dlq (
  id TEXT PRIMARY KEY,
  intent_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS dashboard_access (
  external_customer_id TEXT PRIMARY KEY,
  external_subscription_id TEXT NOT NULL,
  granted INTEGER NOT NULL DEFAULT 0,
  granted_at DATETIME,
  revoked_at DATETIME,
  updated_at DATETIME
);`,
}

// Open returns a private in-memory database with every table created.
// The pool is capped at one connection so transactions serialize like row locks would.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}
	return conn
}
