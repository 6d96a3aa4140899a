package storage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// schema is shared by postgres and sqlite; {{TS}} is the dialect's timestamp type.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS brand_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain_root TEXT NOT NULL,
		search_url_template TEXT NOT NULL DEFAULT '',
		extraction_rules_json TEXT NOT NULL DEFAULT '{}',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pricelists (
		id TEXT PRIMARY KEY,
		brand_profile_id TEXT REFERENCES brand_profiles(id) ON DELETE SET NULL,
		filename TEXT NOT NULL,
		uploaded_at {{TS}} NOT NULL,
		data_path TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
		profile_id TEXT NOT NULL,
		pricelist_id TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		unresolved INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		counters_json TEXT NOT NULL DEFAULT '{}',
		error_text TEXT,
		worker_id TEXT,
		heartbeat_at {{TS}},
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL,
		started_at {{TS}},
		completed_at {{TS}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_items (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		row_index INTEGER NOT NULL,
		sku TEXT NOT NULL,
		search_key TEXT NOT NULL,
		product_url TEXT,
		status TEXT NOT NULL CHECK (status IN ('pending', 'resolved', 'unresolved', 'error')),
		attempts INTEGER NOT NULL DEFAULT 0,
		error_text TEXT,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_items_job_status ON job_items (job_id, status)`,
	`CREATE TABLE IF NOT EXISTS web_products (
		id TEXT PRIMARY KEY,
		job_id TEXT REFERENCES jobs(id) ON DELETE CASCADE,
		source_url TEXT NOT NULL,
		image_url TEXT NOT NULL,
		attributes_json TEXT NOT NULL DEFAULT '{}',
		scraped_at {{TS}} NOT NULL,
		UNIQUE (job_id, source_url)
	)`,
}

// Migrate creates the tables when they do not exist yet.
func (s *Storage) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.isPostgres() {
		ts = "TIMESTAMPTZ"
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{TS}}", ts)); err != nil {
			return domain.NewStoreError("migrate", err)
		}
	}

	s.logger.Info("Database schema is up to date",
		slog.String("driver", s.db.DriverName()),
	)
	return nil
}
