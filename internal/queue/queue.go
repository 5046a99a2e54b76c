package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Queue is the durable, ordered log of operations not yet confirmed by the
// remote store. It shares the mirror database so an enqueued operation and
// its optimistic write survive restarts together.
type Queue struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New creates a new queue over the mirror database
func New(db *sql.DB, logger *logrus.Logger) *Queue {
	return &Queue{
		db:     db,
		logger: logger,
	}
}

// Enqueue appends an operation to the queue and returns its ID
func (q *Queue) Enqueue(op *types.Operation) (int64, error) {
	uidsJSON, err := json.Marshal(op.UIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal uids: %w", err)
	}
	flagsJSON, err := json.Marshal(op.Flags)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal flags: %w", err)
	}
	originalJSON, err := json.Marshal(op.Original)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal original data: %w", err)
	}

	now := time.Now().UTC()
	result, err := q.db.Exec(`
		INSERT INTO operations (account, kind, folder_path, target_folder, uids, flags, original_data, retry_count, status, not_before, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 'queued', ?, ?, ?)
	`,
		op.Account,
		string(op.Kind),
		op.FolderPath,
		op.TargetFolder,
		string(uidsJSON),
		string(flagsJSON),
		string(originalJSON),
		now,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get operation ID: %w", err)
	}

	op.ID = id
	op.Status = types.OpQueued
	op.EnqueuedAt = now
	return id, nil
}

const opColumns = "id, account, kind, folder_path, target_folder, uids, flags, original_data, retry_count, status, last_error, not_before, enqueued_at"

// Dequeue returns up to limit queued operations that are due, oldest first.
// An operation is held back while an earlier operation for the same
// (account, folder) pair is still queued or in flight, so operations on one
// folder are always applied in enqueue order.
func (q *Queue) Dequeue(limit int) ([]types.Operation, error) {
	rows, err := q.db.Query(`
		SELECT `+opColumns+` FROM operations o
		WHERE o.status = 'queued' AND o.not_before <= ?
		AND NOT EXISTS (
			SELECT 1 FROM operations p
			WHERE p.status IN ('queued', 'in_flight')
			AND p.account = o.account AND p.folder_path = o.folder_path
			AND p.id < o.id
		)
		ORDER BY o.id
		LIMIT ?
	`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue operations: %w", err)
	}
	defer rows.Close()

	var ops []types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// MarkInFlight transitions an operation to in_flight
func (q *Queue) MarkInFlight(id int64) error {
	return q.setStatus(id, types.OpInFlight, "")
}

// MarkDone removes a confirmed operation from the queue
func (q *Queue) MarkDone(id int64) error {
	if _, err := q.db.Exec("DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to mark operation %d done: %w", id, err)
	}
	return nil
}

// MarkFailed transitions an operation to failed. The row is kept for user
// inspection until CleanupFailed removes it.
func (q *Queue) MarkFailed(id int64, lastError string) error {
	return q.setStatus(id, types.OpFailed, lastError)
}

// RequeueWithBackoff returns an operation to the queue after a transient
// failure, recording the retry count and the earliest next attempt time.
func (q *Queue) RequeueWithBackoff(id int64, retryCount int, notBefore time.Time, lastError string) error {
	_, err := q.db.Exec(`
		UPDATE operations
		SET status = 'queued', retry_count = ?, not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, retryCount, notBefore.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue operation %d: %w", id, err)
	}
	return nil
}

// GetFailedOperations returns all failed operations, oldest first
func (q *Queue) GetFailedOperations() ([]types.Operation, error) {
	rows, err := q.db.Query(
		"SELECT " + opColumns + " FROM operations WHERE status = 'failed' ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	defer rows.Close()

	var ops []types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CleanupFailed removes failed operations older than the given age and
// returns the number removed.
func (q *Queue) CleanupFailed(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := q.db.Exec(
		"DELETE FROM operations WHERE status = 'failed' AND updated_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up failed operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned operations: %w", err)
	}
	if n > 0 {
		q.logger.WithField("count", n).Info("Cleaned up failed operations")
	}
	return n, nil
}

// GetStats returns queue counts by status
func (q *Queue) GetStats() (*types.QueueStats, error) {
	rows, err := q.db.Query("SELECT status, COUNT(*) FROM operations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &types.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch types.OperationStatus(status) {
		case types.OpQueued:
			stats.Queued = count
		case types.OpInFlight:
			stats.InFlight = count
		case types.OpFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// RewriteUID replaces a temporary UID with its server-assigned value in
// every pending operation on the given folder. Called when a move commits,
// so operations queued against the temporary UID target the real message.
func (q *Queue) RewriteUID(account, folder string, oldUID, newUID int64) error {
	rows, err := q.db.Query(
		"SELECT id, uids, original_data FROM operations WHERE account = ? AND folder_path = ? AND status IN ('queued', 'in_flight')",
		account, folder,
	)
	if err != nil {
		return fmt.Errorf("failed to query operations for uid rewrite: %w", err)
	}

	type opRow struct {
		id       int64
		uids     string
		original sql.NullString
	}
	var pending []opRow
	for rows.Next() {
		var r opRow
		if err := rows.Scan(&r.id, &r.uids, &r.original); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan operation for uid rewrite: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate operations: %w", err)
	}
	// The updates below reuse the single database connection
	rows.Close()

	for _, r := range pending {
		var uids []int64
		if err := json.Unmarshal([]byte(r.uids), &uids); err != nil {
			return fmt.Errorf("failed to unmarshal uids: %w", err)
		}
		var originals []types.OriginalState
		if r.original.Valid && r.original.String != "" {
			if err := json.Unmarshal([]byte(r.original.String), &originals); err != nil {
				return fmt.Errorf("failed to unmarshal original data: %w", err)
			}
		}

		changed := false
		for i, uid := range uids {
			if uid == oldUID {
				uids[i] = newUID
				changed = true
			}
		}
		for i := range originals {
			if originals[i].UID == oldUID {
				originals[i].UID = newUID
				changed = true
			}
		}
		if !changed {
			continue
		}

		uidsJSON, err := json.Marshal(uids)
		if err != nil {
			return fmt.Errorf("failed to marshal uids: %w", err)
		}
		originalJSON, err := json.Marshal(originals)
		if err != nil {
			return fmt.Errorf("failed to marshal original data: %w", err)
		}
		_, err = q.db.Exec(
			"UPDATE operations SET uids = ?, original_data = ?, updated_at = ? WHERE id = ?",
			string(uidsJSON), string(originalJSON), time.Now().UTC(), r.id,
		)
		if err != nil {
			return fmt.Errorf("failed to rewrite operation %d: %w", r.id, err)
		}
	}
	return nil
}

// RecoverInFlight returns operations stranded in_flight by a crash to the
// queued state. Called once at startup, before the worker runs.
func (q *Queue) RecoverInFlight() (int64, error) {
	result, err := q.db.Exec(
		"UPDATE operations SET status = 'queued', updated_at = ? WHERE status = 'in_flight'",
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered operations: %w", err)
	}
	if n > 0 {
		q.logger.WithField("count", n).Warn("Recovered in-flight operations from previous run")
	}
	return n, nil
}

// setStatus updates an operation's status and error message
func (q *Queue) setStatus(id int64, status types.OperationStatus, lastError string) error {
	_, err := q.db.Exec(
		"UPDATE operations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set operation %d status: %w", id, err)
	}
	return nil
}

// scanOperation scans an operation from a result set
func scanOperation(rows *sql.Rows) (*types.Operation, error) {
	var op types.Operation
	var kind, status string
	var targetFolder, lastError sql.NullString
	var uidsJSON string
	var flagsJSON, originalJSON sql.NullString
	var notBefore sql.NullTime

	err := rows.Scan(
		&op.ID,
		&op.Account,
		&kind,
		&op.FolderPath,
		&targetFolder,
		&uidsJSON,
		&flagsJSON,
		&originalJSON,
		&op.RetryCount,
		&status,
		&lastError,
		&notBefore,
		&op.EnqueuedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Kind = types.OperationKind(kind)
	op.Status = types.OperationStatus(status)
	op.TargetFolder = targetFolder.String
	op.LastError = lastError.String
	if notBefore.Valid {
		op.NotBefore = notBefore.Time
	}

	if err := json.Unmarshal([]byte(uidsJSON), &op.UIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal uids: %w", err)
	}
	if flagsJSON.Valid && flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &op.Flags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
		}
	}
	if originalJSON.Valid && originalJSON.String != "" {
		if err := json.Unmarshal([]byte(originalJSON.String), &op.Original); err != nil {
			return nil, fmt.Errorf("failed to unmarshal original data: %w", err)
		}
	}

	return &op, nil
}
