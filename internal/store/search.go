package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *int64
	FolderID  *int64
	Sender    *string
	Subject   *string
	Body      *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

// Search performs a search over the mirrored emails. Soft-deleted rows are
// never returned.
func (s *Store) Search(opts SearchOptions) ([]types.EmailSummary, error) {
	conditions := []string{"e.sync_status != 'deleted'"}
	var args []interface{}

	if opts.AccountID != nil {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderID != nil {
		conditions = append(conditions, "e.folder_id = ?")
		args = append(args, *opts.FolderID)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "(e.sender_email LIKE ? OR e.sender_name LIKE ?)")
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "e.subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.Body != nil {
		// Full-text search over the cached bodies
		conditions = append(conditions, "e.body_ref IN (SELECT rowid FROM bodies_fts WHERE bodies_fts MATCH ?)")
		// Escape special characters for FTS5
		bodyQuery := strings.ReplaceAll(*opts.Body, "\"", "\"\"")
		bodyQuery = strings.ReplaceAll(bodyQuery, "'", "''")
		args = append(args, bodyQuery)
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "e.date >= ?")
		args = append(args, opts.DateFrom.UTC())
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "e.date <= ?")
		args = append(args, opts.DateTo.UTC())
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT e.id, a.name, f.path, e.uid, e.subject, e.sender_name, e.sender_email, e.date
		FROM emails e
		JOIN accounts a ON e.account_id = a.id
		JOIN folders f ON e.folder_id = f.id
		WHERE %s
		ORDER BY e.date DESC
		LIMIT %d
	`, strings.Join(conditions, " AND "), limit)

	rows, err := s.db.Handle().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	defer rows.Close()

	var results []types.EmailSummary
	for rows.Next() {
		var summary types.EmailSummary
		err := rows.Scan(
			&summary.ID,
			&summary.AccountName,
			&summary.FolderPath,
			&summary.UID,
			&summary.Subject,
			&summary.SenderName,
			&summary.SenderEmail,
			&summary.Date,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, summary)
	}

	return results, rows.Err()
}
