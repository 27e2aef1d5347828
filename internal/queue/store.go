package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Item statuses. An item moves pending -> processing -> done or error;
// done rows are pruned after a retention period, error rows are kept for
// inspection.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Item is one queued webhook payload.
type Item struct {
	ID        int64          `db:"id"`
	Payload   string         `db:"payload"`
	Status    string         `db:"status"`
	Error     sql.NullString `db:"error"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Store defines the queue persistence operations.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Enqueue inserts a payload. A payload already present (at any status)
	// is reported as a duplicate and not inserted again.
	Enqueue(ctx context.Context, payload []byte) (id int64, duplicate bool, err error)

	// ClaimNext atomically selects the oldest pending item and marks it
	// processing. Returns nil, nil when the queue is empty.
	ClaimNext(ctx context.Context) (*Item, error)

	// MarkDone transitions an item to done.
	MarkDone(ctx context.Context, id int64) error

	// MarkError transitions an item to error and records the cause.
	MarkError(ctx context.Context, id int64, cause string) error

	// ResetStale returns items stuck in processing (from a previous crash)
	// to pending so they are picked up again.
	ResetStale(ctx context.Context) (int64, error)

	// PruneDone deletes done items older than the retention period.
	PruneDone(ctx context.Context, olderThan time.Duration) (int64, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by sqlx. It requires a connected
// sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "queue"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue inserts a payload, treating a unique-constraint violation on the
// payload column as a duplicate delivery.
func (s *sqlxStore) Enqueue(ctx context.Context, payload []byte) (int64, bool, error) {
	if len(payload) == 0 {
		return 0, false, fmt.Errorf("cannot enqueue empty payload")
	}

	now := time.Now().UTC()
	query := `
        INSERT INTO incoming_queue (payload, status, created_at, updated_at)
        VALUES (?, ?, ?, ?);
    `

	result, err := s.db.ExecContext(ctx, query, string(payload), StatusPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.DebugContext(ctx, "Duplicate payload delivery ignored")
			return 0, true, nil
		}
		s.logger.ErrorContext(ctx, "Error enqueuing payload", "error", err)
		return 0, false, fmt.Errorf("failed to enqueue payload: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after enqueue", "error", err)
	}

	s.logger.DebugContext(ctx, "Payload enqueued", "item_id", id, "size", len(payload))
	return id, false, nil
}

// ClaimNext selects the oldest pending item and transitions it to
// processing within a transaction so concurrent claimers never take the
// same item.
func (s *sqlxStore) ClaimNext(ctx context.Context) (*Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for claim", "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	var item Item
	query := `
        SELECT id, payload, status, error, created_at, updated_at
        FROM incoming_queue
        WHERE status = ?
        ORDER BY id ASC
        LIMIT 1;
    `
	err = tx.GetContext(ctx, &item, query, StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error selecting next pending item", "error", err)
		return nil, fmt.Errorf("failed to select next pending item: %w", err)
	}

	item.Status = StatusProcessing
	item.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE incoming_queue SET status = ?, updated_at = ? WHERE id = ?`,
		item.Status, item.UpdatedAt, item.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking item as processing", "item_id", item.ID, "error", err)
		return nil, fmt.Errorf("failed to mark item %d as processing: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit claim transaction", "item_id", item.ID, "error", err)
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil

	s.logger.DebugContext(ctx, "Claimed queue item", "item_id", item.ID)
	return &item, nil
}

// MarkDone transitions an item to done.
func (s *sqlxStore) MarkDone(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusDone, "")
}

// MarkError transitions an item to error and records the cause.
func (s *sqlxStore) MarkError(ctx context.Context, id int64, cause string) error {
	return s.setStatus(ctx, id, StatusError, cause)
}

func (s *sqlxStore) setStatus(ctx context.Context, id int64, status, cause string) error {
	var errVal any
	if cause != "" {
		errVal = cause
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE incoming_queue SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errVal, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating item status", "item_id", id, "status", status, "error", err)
		return fmt.Errorf("failed to mark item %d as %s: %w", id, status, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when updating item status",
			"item_id", id, "status", status, "affected", affected)
	}

	s.logger.DebugContext(ctx, "Queue item status updated", "item_id", id, "status", status)
	return nil
}

// ResetStale returns processing items to pending. Called once at startup:
// an item still marked processing was interrupted by a crash or restart.
func (s *sqlxStore) ResetStale(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE incoming_queue SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC(), StatusProcessing)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error resetting stale processing items", "error", err)
		return 0, fmt.Errorf("failed to reset stale processing items: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.InfoContext(ctx, "Reset stale processing items to pending", "count", count)
	}
	return count, nil
}

// PruneDone deletes done items whose last update is older than the
// retention period. Error items are kept for inspection.
func (s *sqlxStore) PruneDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention period must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM incoming_queue WHERE status = ? AND updated_at < ?`,
		StatusDone, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error pruning done items", "error", err)
		return 0, fmt.Errorf("failed to prune done items: %w", err)
	}

	count, _ := result.RowsAffected()
	s.logger.InfoContext(ctx, "Pruned done queue items", "count", count, "cutoff", cutoff)
	return count, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. modernc.org/sqlite surfaces these as formatted errors rather
// than a typed value.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
