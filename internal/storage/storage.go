package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// Storage is the job store. It is the only shared mutable state of the pipeline:
// every status and counter mutation goes through a single conditional statement or transaction here.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// q rewrites ? placeholders for the active driver.
func (s *Storage) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Storage) isPostgres() bool {
	return sqlx.BindType(s.db.DriverName()) == sqlx.DOLLAR
}

// withTx runs fn in a transaction, rolling back when it returns an error.
func (s *Storage) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.NewStoreError(op+": begin", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction",
				slog.String("op", op),
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.NewStoreError(op+": commit", err)
	}
	return nil
}

// lockKey derives a stable advisory lock id from a name.
func lockKey(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// advisoryLock serialises transactions on name until commit or rollback.
// SQLite already admits a single writer, so it is a no-op there.
func (s *Storage) advisoryLock(ctx context.Context, tx *sqlx.Tx, name string) error {
	if !s.isPostgres() {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(name)); err != nil {
		return domain.NewStoreError("advisory lock "+name, err)
	}
	return nil
}

func jobStatusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
