package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

const jobColumns = `id, type, status, profile_id, pricelist_id, params_json, progress,
	total, processed, matched, unresolved, failed, counters_json, error_text,
	worker_id, heartbeat_at, created_at, updated_at, started_at, completed_at`

const admissionLock = "catalog-enricher:job-admission"

// CreateJob inserts a queued job and all of its items as one unit. When maxActive is positive the
// number of queued and running jobs is checked under an admission lock so concurrent creates cannot
// both slip past the limit.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job, items []model.JobItem, maxActive int) error {
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Total = len(items)

	counters, err := domain.NewCounters(len(items)).Encode()
	if err != nil {
		return err
	}
	job.CountersJSON = string(counters)

	return s.withTx(ctx, "create job", func(tx *sqlx.Tx) error {
		if err := s.advisoryLock(ctx, tx, admissionLock); err != nil {
			return err
		}

		if maxActive > 0 {
			active, err := s.countActive(ctx, tx)
			if err != nil {
				return err
			}
			if active >= maxActive {
				return &domain.CapacityError{Active: active, Limit: maxActive}
			}
		}

		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO jobs (
				id, type, status, profile_id, pricelist_id, params_json, progress,
				total, processed, matched, unresolved, failed, counters_json,
				created_at, updated_at
			) VALUES (
				:id, :type, :status, :profile_id, :pricelist_id, :params_json, :progress,
				:total, :processed, :matched, :unresolved, :failed, :counters_json,
				:created_at, :updated_at
			)`, job)
		if err != nil {
			return domain.NewStoreError("insert job", err)
		}

		if len(items) == 0 {
			return nil
		}

		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO job_items (id, job_id, row_index, sku, search_key, status, attempts, updated_at)
			VALUES (:id, :job_id, :row_index, :sku, :search_key, :status, :attempts, :updated_at)`)
		if err != nil {
			return domain.NewStoreError("prepare job items", err)
		}
		defer stmt.Close()

		for i := range items {
			items[i].JobID = job.ID
			items[i].Status = domain.ItemStatusPending
			items[i].UpdatedAt = now
			if _, err := stmt.ExecContext(ctx, &items[i]); err != nil {
				return domain.NewStoreError("insert job item", err)
			}
		}
		return nil
	})
}

func (s *Storage) countActive(ctx context.Context, db sqlx.QueryerContext) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM jobs WHERE status IN (?)`, jobStatusStrings(domain.ActiveJobStatuses))
	if err != nil {
		return 0, err
	}

	var active int
	if err := sqlx.GetContext(ctx, db, &active, s.q(query), args...); err != nil {
		return 0, domain.NewStoreError("count active jobs", err)
	}
	return active, nil
}

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.GetContext(ctx, &job, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStoreError("get job", err)
	}
	return &job, nil
}

// GetJobStatus is the cheap read the merger does before scheduling each item.
func (s *Storage) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := s.db.GetContext(ctx, &status, s.q(`SELECT status FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", domain.NewStoreError("get job status", err)
	}
	return status, nil
}

// ListActiveJobs returns queued and running jobs, newest first.
func (s *Storage) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM jobs WHERE status IN (?) ORDER BY created_at DESC, id DESC`,
		jobStatusStrings(domain.ActiveJobStatuses))
	if err != nil {
		return nil, err
	}

	jobs := []model.Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.q(query), args...); err != nil {
		return nil, domain.NewStoreError("list active jobs", err)
	}
	return jobs, nil
}

type JobFilter struct {
	Status    string
	ProfileID string
	PageSize  int
	Cursor    *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns one page of jobs, fetching PageSize+1 rows so callers can tell whether more exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.ProfileID != "" {
		query += " AND profile_id = ?"
		args = append(args, filter.ProfileID)
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	jobs := []model.Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.q(query), args...); err != nil {
		return nil, domain.NewStoreError("list jobs", err)
	}
	return jobs, nil
}

// ClaimJob makes workerID the owner of a queued job, or of a running job whose heartbeat
// is older than staleBefore. The status never moves backwards: a re-claimed job stays running.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string, staleBefore time.Time) (*model.Job, error) {
	now := s.now()

	var job model.Job
	err := s.db.GetContext(ctx, &job, s.q(`
		UPDATE jobs
		SET status = ?,
		    worker_id = ?,
		    heartbeat_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = ?
		  AND (status = ? OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)))
		RETURNING `+jobColumns),
		string(domain.JobStatusRunning), workerID, now, now, now,
		jobID,
		string(domain.JobStatusQueued), string(domain.JobStatusRunning), staleBefore,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrJobNotClaimable
		}
		return nil, domain.NewStoreError("claim job", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return &job, nil
}

// UpdateHeartbeat refreshes the owner's liveness timestamp. ErrJobNotActive means the
// job finished or another worker re-claimed it.
func (s *Storage) UpdateHeartbeat(ctx context.Context, jobID, workerID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET heartbeat_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?`),
		now, jobID, string(domain.JobStatusRunning), workerID,
	)
	if err != nil {
		return domain.NewStoreError("update heartbeat", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotActive
	}
	return nil
}

// ListClaimableJobIDs returns queued jobs and running jobs with a stale heartbeat, oldest first.
func (s *Storage) ListClaimableJobIDs(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	ids := []string{}
	err := s.db.SelectContext(ctx, &ids, s.q(`
		SELECT id FROM jobs
		WHERE status = ?
		   OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?))
		ORDER BY created_at ASC
		LIMIT ?`),
		string(domain.JobStatusQueued), string(domain.JobStatusRunning), staleBefore, limit,
	)
	if err != nil {
		return nil, domain.NewStoreError("list claimable jobs", err)
	}
	return ids, nil
}

// CompleteJob moves a running job whose items are all terminal to completed.
func (s *Storage) CompleteJob(ctx context.Context, jobID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = ?,
		    progress = CASE WHEN total = 0 THEN 1 ELSE progress END,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND processed >= total`),
		string(domain.JobStatusCompleted), now, now,
		jobID, string(domain.JobStatusRunning),
	)
	return s.checkTransition(ctx, "complete job", jobID, res, err)
}

// FailJob records why a job stopped and moves it to failed.
func (s *Storage) FailJob(ctx context.Context, jobID, reason string) error {
	now := s.now()
	query, args, err := sqlx.In(`
		UPDATE jobs
		SET status = ?, error_text = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(domain.JobStatusFailed), reason, now, now,
		jobID, jobStatusStrings(domain.ActiveJobStatuses),
	)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	return s.checkTransition(ctx, "fail job", jobID, res, err)
}

// CancelJob marks a queued or running job cancelled. The merger notices before its next item.
func (s *Storage) CancelJob(ctx context.Context, jobID string) error {
	now := s.now()
	query, args, err := sqlx.In(`
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(domain.JobStatusCancelled), now, now,
		jobID, jobStatusStrings(domain.ActiveJobStatuses),
	)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	return s.checkTransition(ctx, "cancel job", jobID, res, err)
}

func (s *Storage) checkTransition(ctx context.Context, op, jobID string, res sql.Result, err error) error {
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotActive
}

// DeleteJob removes a finished job together with its items and products.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, "delete job", func(tx *sqlx.Tx) error {
		var status domain.JobStatus
		if err := tx.GetContext(ctx, &status, s.q(`SELECT status FROM jobs WHERE id = ?`), jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrJobNotFound
			}
			return domain.NewStoreError("delete job", err)
		}
		if !status.IsTerminal() {
			return domain.ErrJobNotTerminal
		}

		for _, stmt := range []string{
			`DELETE FROM web_products WHERE job_id = ?`,
			`DELETE FROM job_items WHERE job_id = ?`,
			`DELETE FROM jobs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), jobID); err != nil {
				return domain.NewStoreError("delete job", err)
			}
		}
		return nil
	})
}
