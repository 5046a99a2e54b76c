package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrOperationPending is returned when a mutation targets an email whose
// previous move or delete has not been confirmed by the remote store yet.
var ErrOperationPending = errors.New("store: email has a pending operation")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides methods for reading and mutating the local mirror
type Store struct {
	db     *DB
	bodies *bodyCache
	uids   tempUIDGenerator
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		bodies: newBodyCache(),
		logger: logger,
	}
}

// EnsureAccount upserts an account by name and returns its ID
func (s *Store) EnsureAccount(name, email string) (int64, error) {
	query := `
		INSERT INTO accounts (name, email)
		VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET email = excluded.email
	`
	if _, err := s.db.Handle().Exec(query, name, email); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	var id int64
	if err := s.db.Handle().QueryRow("SELECT id FROM accounts WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(name string) (int64, error) {
	var id int64
	err := s.db.Handle().QueryRow("SELECT id FROM accounts WHERE name = ?", name).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// EnsureFolder upserts a folder and returns its ID
func (s *Store) EnsureFolder(accountID int64, path, delimiter string, special types.SpecialUse, selectable bool) (int64, error) {
	query := `
		INSERT INTO folders (account_id, path, delimiter, special_use, selectable)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			delimiter = excluded.delimiter,
			special_use = excluded.special_use,
			selectable = excluded.selectable
	`
	if _, err := s.db.Handle().Exec(query, accountID, path, delimiter, string(special), boolToInt(selectable)); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}

	var id int64
	err := s.db.Handle().QueryRow(
		"SELECT id FROM folders WHERE account_id = ? AND path = ?", accountID, path,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return id, nil
}

const folderColumns = "id, account_id, path, delimiter, special_use, selectable, total_count, unseen_count, last_synced"

// GetFolder retrieves a folder by ID
func (s *Store) GetFolder(folderID int64) (*types.Folder, error) {
	row := s.db.Handle().QueryRow(
		"SELECT "+folderColumns+" FROM folders WHERE id = ?", folderID,
	)
	return scanFolder(row)
}

// FolderByPath retrieves a folder by account name and server path
func (s *Store) FolderByPath(account, path string) (*types.Folder, error) {
	row := s.db.Handle().QueryRow(`
		SELECT f.id, f.account_id, f.path, f.delimiter, f.special_use, f.selectable, f.total_count, f.unseen_count, f.last_synced
		FROM folders f
		JOIN accounts a ON f.account_id = a.id
		WHERE a.name = ? AND f.path = ?
	`, account, path)
	return scanFolder(row)
}

// ListFolders lists folders for an account
func (s *Store) ListFolders(accountID int64) ([]types.Folder, error) {
	rows, err := s.db.Handle().Query(
		"SELECT "+folderColumns+" FROM folders WHERE account_id = ? ORDER BY path", accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		folder, err := scanFolderRows(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *folder)
	}
	return folders, rows.Err()
}

// TouchFolderSynced records the time a folder was last reconciled
func (s *Store) TouchFolderSynced(folderID int64) error {
	_, err := s.db.Handle().Exec(
		"UPDATE folders SET last_synced = ? WHERE id = ?", time.Now().UTC(), folderID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch folder: %w", err)
	}
	return nil
}

// UpsertEmail upserts an email in the mirror keyed by (folder, uid)
func (s *Store) UpsertEmail(email *types.Email) error {
	recipientsJSON, err := json.Marshal(email.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	flagsJSON, err := json.Marshal(email.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	if email.SyncStatus == "" {
		email.SyncStatus = types.SyncSynced
	}

	// Rows carrying an unconfirmed local mutation keep their local flags,
	// seen marker, and sync status; a sync pass must never undo an
	// optimistic write or resurrect a soft-deleted row.
	query := `
		INSERT INTO emails (account_id, folder_id, uid, message_id, subject, sender_name, sender_email, recipients, date, flags, seen, has_attachment, body_ref, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			flags = CASE WHEN emails.sync_status IN ('pending', 'moved', 'deleted') THEN emails.flags ELSE excluded.flags END,
			seen = CASE WHEN emails.sync_status IN ('pending', 'moved', 'deleted') THEN emails.seen ELSE excluded.seen END,
			has_attachment = excluded.has_attachment,
			sync_status = CASE WHEN emails.sync_status IN ('pending', 'moved', 'deleted') THEN emails.sync_status ELSE excluded.sync_status END,
			cached_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.Handle().Exec(query,
		email.AccountID,
		email.FolderID,
		email.UID,
		email.MessageID,
		email.Subject,
		email.SenderName,
		email.SenderEmail,
		string(recipientsJSON),
		email.Date.UTC(),
		string(flagsJSON),
		boolToInt(email.Seen()),
		boolToInt(email.HasAttachment),
		email.BodyRef,
		string(email.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert email: %w", err)
	}
	return nil
}

const emailColumns = "id, account_id, folder_id, uid, message_id, subject, sender_name, sender_email, recipients, date, flags, has_attachment, body_ref, sync_status, cached_at"

// GetEmailByUID retrieves an email by folder and UID, including soft-deleted rows
func (s *Store) GetEmailByUID(folderID, uid int64) (*types.Email, error) {
	row := s.db.Handle().QueryRow(
		"SELECT "+emailColumns+" FROM emails WHERE folder_id = ? AND uid = ?", folderID, uid,
	)
	email, err := scanEmail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("email uid %d in folder %d: %w", uid, folderID, ErrNotFound)
		}
		return nil, err
	}
	return email, nil
}

// ListEmails lists non-deleted emails in a folder, newest first
func (s *Store) ListEmails(folderID int64, limit, offset int) ([]types.Email, error) {
	query := "SELECT " + emailColumns + ` FROM emails
		WHERE folder_id = ? AND sync_status != 'deleted'
		ORDER BY date DESC, uid DESC`
	args := []interface{}{folderID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Handle().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []types.Email
	for rows.Next() {
		email, err := scanEmailRows(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

// CountEmails returns the number of non-deleted emails in a folder
func (s *Store) CountEmails(folderID int64) (int, error) {
	var count int
	err := s.db.Handle().QueryRow(
		"SELECT COUNT(*) FROM emails WHERE folder_id = ? AND sync_status != 'deleted'", folderID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// CountAllEmails returns the number of emails in a folder including
// soft-deleted rows. Used to decide whether a folder has ever been synced;
// a folder whose every message awaits a remote delete is not empty.
func (s *Store) CountAllEmails(folderID int64) (int, error) {
	var count int
	err := s.db.Handle().QueryRow(
		"SELECT COUNT(*) FROM emails WHERE folder_id = ?", folderID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// MaxUID returns the highest server-assigned UID in a folder (0 if none)
func (s *Store) MaxUID(folderID int64) (int64, error) {
	var max sql.NullInt64
	err := s.db.Handle().QueryRow(
		"SELECT MAX(uid) FROM emails WHERE folder_id = ? AND uid > 0", folderID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max uid: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// HasNegativeUIDs reports whether a folder holds emails from unconfirmed moves
func (s *Store) HasNegativeUIDs(folderID int64) (bool, error) {
	var count int
	err := s.db.Handle().QueryRow(
		"SELECT COUNT(*) FROM emails WHERE folder_id = ? AND uid < 0", folderID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check negative uids: %w", err)
	}
	return count > 0, nil
}

// RecalculateCounts recomputes a folder's total and unseen counts from the
// non-deleted email rows. Counts are never mutated incrementally.
func (s *Store) RecalculateCounts(folderID int64) error {
	query := `
		UPDATE folders SET
			total_count = (SELECT COUNT(*) FROM emails WHERE folder_id = ? AND sync_status != 'deleted'),
			unseen_count = (SELECT COUNT(*) FROM emails WHERE folder_id = ? AND sync_status != 'deleted' AND seen = 0)
		WHERE id = ?
	`
	if _, err := s.db.Handle().Exec(query, folderID, folderID, folderID); err != nil {
		return fmt.Errorf("failed to recalculate counts: %w", err)
	}
	return nil
}

// scanFolder scans a folder from a single row
func scanFolder(row *sql.Row) (*types.Folder, error) {
	var folder types.Folder
	var special string
	var selectable int
	var lastSynced sql.NullTime

	err := row.Scan(
		&folder.ID,
		&folder.AccountID,
		&folder.Path,
		&folder.Delimiter,
		&special,
		&selectable,
		&folder.Total,
		&folder.Unseen,
		&lastSynced,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}

	folder.SpecialUse = types.SpecialUse(special)
	folder.Selectable = selectable != 0
	if lastSynced.Valid {
		t := lastSynced.Time
		folder.LastSynced = &t
	}
	return &folder, nil
}

// scanFolderRows scans a folder from a result set
func scanFolderRows(rows *sql.Rows) (*types.Folder, error) {
	var folder types.Folder
	var special string
	var selectable int
	var lastSynced sql.NullTime

	err := rows.Scan(
		&folder.ID,
		&folder.AccountID,
		&folder.Path,
		&folder.Delimiter,
		&special,
		&selectable,
		&folder.Total,
		&folder.Unseen,
		&lastSynced,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}

	folder.SpecialUse = types.SpecialUse(special)
	folder.Selectable = selectable != 0
	if lastSynced.Valid {
		t := lastSynced.Time
		folder.LastSynced = &t
	}
	return &folder, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEmail scans an email from a row or result set
func scanEmail(row rowScanner) (*types.Email, error) {
	var email types.Email
	var recipientsJSON, flagsJSON sql.NullString
	var subject, senderName, senderEmail sql.NullString
	var hasAttachment int
	var bodyRef sql.NullInt64
	var status string

	err := row.Scan(
		&email.ID,
		&email.AccountID,
		&email.FolderID,
		&email.UID,
		&email.MessageID,
		&subject,
		&senderName,
		&senderEmail,
		&recipientsJSON,
		&email.Date,
		&flagsJSON,
		&hasAttachment,
		&bodyRef,
		&status,
		&email.CachedAt,
	)
	if err != nil {
		return nil, err
	}

	email.Subject = subject.String
	email.SenderName = senderName.String
	email.SenderEmail = senderEmail.String
	email.HasAttachment = hasAttachment != 0
	email.SyncStatus = types.SyncStatus(status)
	if bodyRef.Valid {
		ref := bodyRef.Int64
		email.BodyRef = &ref
	}

	if recipientsJSON.Valid && recipientsJSON.String != "" {
		if err := json.Unmarshal([]byte(recipientsJSON.String), &email.Recipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
		}
	}
	if flagsJSON.Valid && flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &email.Flags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
		}
	}

	return &email, nil
}

// scanEmailRows scans an email from a result set
func scanEmailRows(rows *sql.Rows) (*types.Email, error) {
	email, err := scanEmail(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan email: %w", err)
	}
	return email, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
