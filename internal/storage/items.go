package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

const itemColumns = `id, job_id, row_index, sku, search_key, product_url, status, attempts, error_text, updated_at`

const productColumns = `id, job_id, source_url, image_url, attributes_json, scraped_at`

// ListPendingItems returns the items of a job that still need crawling, in price-list order.
func (s *Storage) ListPendingItems(ctx context.Context, jobID string) ([]model.JobItem, error) {
	return s.ListItems(ctx, jobID, domain.ItemStatusPending)
}

// ListItems returns a job's items, optionally filtered by status.
func (s *Storage) ListItems(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.JobItem, error) {
	query := `SELECT ` + itemColumns + ` FROM job_items WHERE job_id = ?`
	args := []interface{}{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY row_index ASC, id ASC`

	items := []model.JobItem{}
	if err := s.db.SelectContext(ctx, &items, s.q(query), args...); err != nil {
		return nil, domain.NewStoreError("list job items", err)
	}
	return items, nil
}

type counterRow struct {
	Total      int `db:"total"`
	Processed  int `db:"processed"`
	Matched    int `db:"matched"`
	Unresolved int `db:"unresolved"`
	Failed     int `db:"failed"`
}

// RecordOutcome applies one crawl result to every item it covers, upserts the WebProduct and
// advances the job counters, all in one transaction. The job row is locked first so the
// read-modify-write of the counters cannot interleave with another writer, and the write is
// refused with ErrJobNotActive once the job left running (e.g. cancelled).
func (s *Storage) RecordOutcome(ctx context.Context, jobID string, outcome domain.ItemOutcome) (domain.Counters, error) {
	var counters domain.Counters

	err := s.withTx(ctx, "record outcome", func(tx *sqlx.Tx) error {
		now := s.now()

		var current counterRow
		err := tx.GetContext(ctx, &current, s.q(`
			UPDATE jobs SET updated_at = ?
			WHERE id = ? AND status = ?
			RETURNING total, processed, matched, unresolved, failed`),
			now, jobID, string(domain.JobStatusRunning),
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrJobNotActive
			}
			return domain.NewStoreError("lock job", err)
		}

		resolved := outcome.Status == domain.ItemStatusResolved && outcome.Resolution != nil

		var productURL sql.NullString
		if resolved {
			productURL = sql.NullString{String: outcome.Resolution.URL, Valid: true}
		}

		errorText := sql.NullString{String: outcome.Error, Valid: outcome.Error != ""}

		updated := 0
		if len(outcome.ItemIDs) > 0 {
			query, args, err := sqlx.In(`
				UPDATE job_items
				SET status = ?,
				    product_url = COALESCE(product_url, ?),
				    attempts = ?,
				    error_text = ?,
				    updated_at = ?
				WHERE job_id = ? AND status = ? AND id IN (?)`,
				string(outcome.Status), productURL, outcome.Attempts, errorText, now,
				jobID, string(domain.ItemStatusPending), outcome.ItemIDs,
			)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, s.q(query), args...)
			if err != nil {
				return domain.NewStoreError("update job items", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return domain.NewStoreError("update job items", err)
			}
			updated = int(n)
		}

		if resolved && updated > 0 {
			if err := s.upsertWebProduct(ctx, tx, jobID, outcome.SearchKey, outcome.Resolution); err != nil {
				return err
			}
		}

		counters = domain.Counters{
			SchemaVersion: domain.CountersSchemaVersion,
			Total:         current.Total,
			Processed:     current.Processed,
			Matched:       current.Matched,
			Unresolved:    current.Unresolved,
			Failed:        current.Failed,
		}.Add(outcome.Status, updated)

		doc, err := counters.Encode()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE jobs
			SET processed = ?, matched = ?, unresolved = ?, failed = ?, progress = ?, counters_json = ?
			WHERE id = ?`),
			counters.Processed, counters.Matched, counters.Unresolved, counters.Failed,
			counters.Progress(), string(doc), jobID,
		)
		if err != nil {
			return domain.NewStoreError("update job counters", err)
		}
		return nil
	})
	if err != nil {
		return domain.Counters{}, err
	}
	return counters, nil
}

// upsertWebProduct stores one product per (job, URL); later items resolving to the same URL reuse it.
func (s *Storage) upsertWebProduct(ctx context.Context, tx *sqlx.Tx, jobID, searchKey string, res *domain.Resolution) error {
	attrs := res.Attributes
	if attrs.SearchKey == "" {
		attrs.SearchKey = searchKey
	}
	doc, err := attrs.Encode()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO web_products (id, job_id, source_url, image_url, attributes_json, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, source_url) DO NOTHING`),
		uuid.NewString(), jobID, res.URL, res.ImageURL, string(doc), s.now(),
	)
	if err != nil {
		return domain.NewStoreError("insert web product", err)
	}
	return nil
}

// ListWebProducts returns the products scraped for a job.
func (s *Storage) ListWebProducts(ctx context.Context, jobID string) ([]model.WebProduct, error) {
	products := []model.WebProduct{}
	err := s.db.SelectContext(ctx, &products,
		s.q(`SELECT `+productColumns+` FROM web_products WHERE job_id = ? ORDER BY scraped_at ASC, id ASC`), jobID)
	if err != nil {
		return nil, domain.NewStoreError("list web products", err)
	}
	return products, nil
}

// ListResults returns a job's items, optionally filtered by status, each joined to the web
// product whose URL equals the item's product URL.
func (s *Storage) ListResults(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.ItemResult, error) {
	query := `
		SELECT i.id, i.job_id, i.row_index, i.sku, i.search_key, i.product_url, i.status,
		       i.attempts, i.error_text, i.updated_at, p.image_url, p.attributes_json
		FROM job_items i
		LEFT JOIN web_products p ON p.job_id = i.job_id AND p.source_url = i.product_url
		WHERE i.job_id = ?`
	args := []interface{}{jobID}
	if status != "" {
		query += ` AND i.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY i.row_index ASC, i.id ASC`

	results := []model.ItemResult{}
	if err := s.db.SelectContext(ctx, &results, s.q(query), args...); err != nil {
		return nil, domain.NewStoreError("list job results", err)
	}
	return results, nil
}
