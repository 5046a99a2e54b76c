package store

import (
	"encoding/json"
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

// MarkDeleted soft-deletes emails by UID. The rows are excluded from counts
// and listings but retained so a failed remote delete can be rolled back.
// Emails already tied to an unconfirmed move or delete are rejected.
func (s *Store) MarkDeleted(folderID int64, uids []int64) error {
	if err := s.rejectPending(folderID, uids); err != nil {
		return err
	}

	for _, uid := range uids {
		_, err := s.db.Handle().Exec(
			"UPDATE emails SET sync_status = 'deleted' WHERE folder_id = ? AND uid = ?",
			folderID, uid,
		)
		if err != nil {
			return fmt.Errorf("failed to mark email %d deleted: %w", uid, err)
		}
	}
	return s.RecalculateCounts(folderID)
}

// RestoreDeleted reverses a soft delete, restoring each email's prior
// sync status from the captured original state.
func (s *Store) RestoreDeleted(folderID int64, originals []types.OriginalState) error {
	for _, orig := range originals {
		status := orig.SyncStatus
		if status == "" {
			status = types.SyncSynced
		}
		_, err := s.db.Handle().Exec(
			"UPDATE emails SET sync_status = ? WHERE folder_id = ? AND uid = ? AND sync_status = 'deleted'",
			string(status), folderID, orig.UID,
		)
		if err != nil {
			return fmt.Errorf("failed to restore email %d: %w", orig.UID, err)
		}
	}
	return s.RecalculateCounts(folderID)
}

// PurgeDeleted physically removes soft-deleted emails once the remote
// delete has been confirmed.
func (s *Store) PurgeDeleted(folderID int64, uids []int64) error {
	for _, uid := range uids {
		_, err := s.db.Handle().Exec(
			"DELETE FROM emails WHERE folder_id = ? AND uid = ? AND sync_status = 'deleted'",
			folderID, uid,
		)
		if err != nil {
			return fmt.Errorf("failed to purge email %d: %w", uid, err)
		}
	}
	return s.RecalculateCounts(folderID)
}

// PurgeByUID physically removes emails regardless of sync status. Used for
// temporary-UID rows that only ever existed locally.
func (s *Store) PurgeByUID(folderID int64, uids []int64) error {
	for _, uid := range uids {
		_, err := s.db.Handle().Exec(
			"DELETE FROM emails WHERE folder_id = ? AND uid = ?", folderID, uid,
		)
		if err != nil {
			return fmt.Errorf("failed to purge email %d: %w", uid, err)
		}
	}
	return s.RecalculateCounts(folderID)
}

// MoveToFolder moves emails between folders locally, minting a unique
// temporary negative UID for each. Returns a map of original UID to the
// temporary UID. Emails already tied to an unconfirmed move or delete are
// rejected, as are temporary UIDs themselves.
func (s *Store) MoveToFolder(fromFolderID, toFolderID int64, uids []int64) (map[int64]int64, error) {
	for _, uid := range uids {
		if uid < 0 {
			return nil, fmt.Errorf("uid %d: %w", uid, ErrOperationPending)
		}
	}
	if err := s.rejectPending(fromFolderID, uids); err != nil {
		return nil, err
	}

	mapping := make(map[int64]int64, len(uids))
	for _, uid := range uids {
		tempUID := s.uids.Next()
		res, err := s.db.Handle().Exec(
			"UPDATE emails SET folder_id = ?, uid = ?, sync_status = 'moved' WHERE folder_id = ? AND uid = ?",
			toFolderID, tempUID, fromFolderID, uid,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to move email %d: %w", uid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to move email %d: %w", uid, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("email uid %d in folder %d: %w", uid, fromFolderID, ErrNotFound)
		}
		mapping[uid] = tempUID
	}

	if err := s.RecalculateCounts(fromFolderID); err != nil {
		return nil, err
	}
	if err := s.RecalculateCounts(toFolderID); err != nil {
		return nil, err
	}
	return mapping, nil
}

// RestoreMove reverses a local move after the remote move permanently
// failed, returning each email to its source folder and original UID.
func (s *Store) RestoreMove(fromFolderID, toFolderID int64, originals []types.OriginalState) error {
	for _, orig := range originals {
		status := orig.SyncStatus
		if status == "" {
			status = types.SyncSynced
		}
		_, err := s.db.Handle().Exec(
			"UPDATE emails SET folder_id = ?, uid = ?, sync_status = ? WHERE folder_id = ? AND uid = ?",
			fromFolderID, orig.UID, string(status), toFolderID, orig.TempUID,
		)
		if err != nil {
			return fmt.Errorf("failed to restore moved email %d: %w", orig.UID, err)
		}
	}

	if err := s.RecalculateCounts(fromFolderID); err != nil {
		return err
	}
	return s.RecalculateCounts(toFolderID)
}

// UpdateUIDAfterMove rewrites a temporary UID to the server-assigned one
// and marks the email synced.
func (s *Store) UpdateUIDAfterMove(folderID, tempUID, newUID int64) error {
	_, err := s.db.Handle().Exec(
		"UPDATE emails SET uid = ?, sync_status = 'synced' WHERE folder_id = ? AND uid = ?",
		newUID, folderID, tempUID,
	)
	if err != nil {
		return fmt.Errorf("failed to update uid after move: %w", err)
	}
	return nil
}

// AddFlagByUID adds a flag to an email and marks it pending. Emails holding
// a temporary UID stay usable for flag writes; their moved marker must
// survive until the move confirms. Soft-deleted rows are rejected.
func (s *Store) AddFlagByUID(folderID, uid int64, flag string) error {
	email, err := s.GetEmailByUID(folderID, uid)
	if err != nil {
		return err
	}
	status, err := flagWriteStatus(email)
	if err != nil {
		return err
	}

	for _, f := range email.Flags {
		if f == flag {
			return s.setFlags(folderID, uid, email.Flags, status)
		}
	}
	return s.setFlags(folderID, uid, append(email.Flags, flag), status)
}

// RemoveFlagByUID removes a flag from an email and marks it pending. Moved
// and deleted rows follow the same rules as AddFlagByUID.
func (s *Store) RemoveFlagByUID(folderID, uid int64, flag string) error {
	email, err := s.GetEmailByUID(folderID, uid)
	if err != nil {
		return err
	}
	status, err := flagWriteStatus(email)
	if err != nil {
		return err
	}

	flags := make([]string, 0, len(email.Flags))
	for _, f := range email.Flags {
		if f != flag {
			flags = append(flags, f)
		}
	}
	return s.setFlags(folderID, uid, flags, status)
}

// flagWriteStatus returns the sync status an optimistic flag write leaves
// behind: pending normally, moved when the row still holds a temporary UID.
func flagWriteStatus(email *types.Email) (types.SyncStatus, error) {
	switch email.SyncStatus {
	case types.SyncDeleted:
		return "", fmt.Errorf("uid %d: %w", email.UID, ErrOperationPending)
	case types.SyncMoved:
		return types.SyncMoved, nil
	default:
		return types.SyncPending, nil
	}
}

// SetFlagsByUID replaces an email's flag set outright. Used by rollback.
func (s *Store) SetFlagsByUID(folderID, uid int64, flags []string, status types.SyncStatus) error {
	return s.setFlags(folderID, uid, flags, status)
}

// SetSyncStatus updates the sync status of a single email
func (s *Store) SetSyncStatus(folderID, uid int64, status types.SyncStatus) error {
	_, err := s.db.Handle().Exec(
		"UPDATE emails SET sync_status = ? WHERE folder_id = ? AND uid = ?",
		string(status), folderID, uid,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// setFlags writes the flag set, derived seen marker, and sync status,
// then recalculates counts since the Seen flag affects the unseen count.
func (s *Store) setFlags(folderID, uid int64, flags []string, status types.SyncStatus) error {
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	seen := 0
	for _, f := range flags {
		if f == types.FlagSeen {
			seen = 1
			break
		}
	}

	_, err = s.db.Handle().Exec(
		"UPDATE emails SET flags = ?, seen = ?, sync_status = ? WHERE folder_id = ? AND uid = ?",
		string(flagsJSON), seen, string(status), folderID, uid,
	)
	if err != nil {
		return fmt.Errorf("failed to set flags: %w", err)
	}
	return s.RecalculateCounts(folderID)
}

// rejectPending fails if any targeted email already has an unconfirmed
// move or delete, preserving per-UID operation ordering.
func (s *Store) rejectPending(folderID int64, uids []int64) error {
	for _, uid := range uids {
		email, err := s.GetEmailByUID(folderID, uid)
		if err != nil {
			return err
		}
		if email.SyncStatus == types.SyncMoved || email.SyncStatus == types.SyncDeleted {
			return fmt.Errorf("uid %d: %w", uid, ErrOperationPending)
		}
	}
	return nil
}
