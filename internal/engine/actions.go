package engine

import (
	"fmt"

	"github.com/brandon/mailsync/internal/events"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// AddFlags optimistically adds flags to the given emails and queues the
// remote store update. The local write is visible immediately.
func (e *Engine) AddFlags(account, folderPath string, uids []int64, flags []string) (int64, error) {
	return e.applyFlags(account, folderPath, uids, flags, types.OpFlagAdd)
}

// RemoveFlags optimistically removes flags from the given emails and queues
// the remote store update.
func (e *Engine) RemoveFlags(account, folderPath string, uids []int64, flags []string) (int64, error) {
	return e.applyFlags(account, folderPath, uids, flags, types.OpFlagRemove)
}

func (e *Engine) applyFlags(account, folderPath string, uids []int64, flags []string, kind types.OperationKind) (int64, error) {
	folder, err := e.store.FolderByPath(account, folderPath)
	if err != nil {
		return 0, err
	}

	originals, err := e.captureOriginals(folder.ID, uids)
	if err != nil {
		return 0, err
	}

	for _, uid := range uids {
		for _, flag := range flags {
			if kind == types.OpFlagAdd {
				err = e.store.AddFlagByUID(folder.ID, uid, flag)
			} else {
				err = e.store.RemoveFlagByUID(folder.ID, uid, flag)
			}
			if err != nil {
				return 0, err
			}
		}
	}

	opID, err := e.queue.Enqueue(&types.Operation{
		Account:    account,
		Kind:       kind,
		FolderPath: folderPath,
		UIDs:       uids,
		Flags:      flags,
		Original:   originals,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue flag operation: %w", err)
	}

	e.bus.Publish(events.Event{Type: events.EmailsChanged, Account: account, Folder: folderPath})
	e.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: account, Folder: folderPath})
	return opID, nil
}

// DeleteToTrash soft-deletes emails locally and queues a remote delete that
// lets the server file them into its trash folder.
func (e *Engine) DeleteToTrash(account, folderPath string, uids []int64) (int64, error) {
	return e.deleteEmails(account, folderPath, uids, types.OpDeleteTrash)
}

// DeletePermanent soft-deletes emails locally and queues a remote delete
// with an immediate expunge.
func (e *Engine) DeletePermanent(account, folderPath string, uids []int64) (int64, error) {
	return e.deleteEmails(account, folderPath, uids, types.OpDeletePermanent)
}

// deleteEmails handles the split between server-known emails and emails
// that only exist locally under a temporary UID. The latter are purged
// outright; there is nothing on the server to delete yet.
func (e *Engine) deleteEmails(account, folderPath string, uids []int64, kind types.OperationKind) (int64, error) {
	folder, err := e.store.FolderByPath(account, folderPath)
	if err != nil {
		return 0, err
	}

	var local, remote []int64
	for _, uid := range uids {
		if uid < 0 {
			local = append(local, uid)
		} else {
			remote = append(remote, uid)
		}
	}

	// Validate before the first local write so a rejection leaves nothing
	// half-deleted.
	var originals []types.OriginalState
	if len(remote) > 0 {
		originals, err = e.captureOriginals(folder.ID, remote)
		if err != nil {
			return 0, err
		}
	}

	if len(local) > 0 {
		if err := e.store.PurgeByUID(folder.ID, local); err != nil {
			return 0, err
		}
	}

	var opID int64
	if len(remote) > 0 {
		if err := e.store.MarkDeleted(folder.ID, remote); err != nil {
			return 0, err
		}

		opID, err = e.queue.Enqueue(&types.Operation{
			Account:    account,
			Kind:       kind,
			FolderPath: folderPath,
			UIDs:       remote,
			Original:   originals,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue delete operation: %w", err)
		}
	}

	e.bus.Publish(events.Event{Type: events.EmailsChanged, Account: account, Folder: folderPath})
	e.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: account, Folder: folderPath})
	return opID, nil
}

// Move relocates emails to another folder locally under temporary UIDs and
// queues the remote move. The temporary UIDs are rewritten to the
// server-assigned ones once the move is confirmed.
func (e *Engine) Move(account, fromPath, toPath string, uids []int64) (int64, error) {
	from, err := e.store.FolderByPath(account, fromPath)
	if err != nil {
		return 0, err
	}
	to, err := e.store.FolderByPath(account, toPath)
	if err != nil {
		return 0, err
	}

	originals, err := e.captureOriginals(from.ID, uids)
	if err != nil {
		return 0, err
	}

	mapping, err := e.store.MoveToFolder(from.ID, to.ID, uids)
	if err != nil {
		return 0, err
	}
	for i := range originals {
		originals[i].TempUID = mapping[originals[i].UID]
		originals[i].FolderPath = fromPath
	}

	opID, err := e.queue.Enqueue(&types.Operation{
		Account:      account,
		Kind:         types.OpMove,
		FolderPath:   fromPath,
		TargetFolder: toPath,
		UIDs:         uids,
		Original:     originals,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue move operation: %w", err)
	}

	e.bus.Publish(events.Event{Type: events.EmailsChanged, Account: account, Folder: fromPath})
	e.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: account, Folder: fromPath})
	e.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: account, Folder: toPath})
	return opID, nil
}

// captureOriginals snapshots the current state of each email so a failed
// operation can be rolled back exactly. Emails already soft-deleted by an
// unconfirmed delete are rejected here, before any local write. Emails with
// an unconfirmed move stay usable: flag writes are queued against the
// temporary UID and rewritten once the move confirms, while a second move
// or a delete is rejected deeper in the store.
func (e *Engine) captureOriginals(folderID int64, uids []int64) ([]types.OriginalState, error) {
	originals := make([]types.OriginalState, 0, len(uids))
	for _, uid := range uids {
		email, err := e.store.GetEmailByUID(folderID, uid)
		if err != nil {
			return nil, err
		}
		if email.SyncStatus == types.SyncDeleted {
			return nil, fmt.Errorf("uid %d: %w", uid, store.ErrOperationPending)
		}

		flags := make([]string, len(email.Flags))
		copy(flags, email.Flags)
		originals = append(originals, types.OriginalState{
			UID:        uid,
			Flags:      flags,
			SyncStatus: email.SyncStatus,
		})
	}
	return originals, nil
}
