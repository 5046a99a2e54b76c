package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/events"
	"github.com/brandon/mailsync/internal/pool"
	"github.com/brandon/mailsync/internal/remote"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

type fakeSession struct {
	mu         sync.Mutex
	flagErr    error
	moveResult map[int64]int64
}

func (f *fakeSession) Ping() error   { return nil }
func (f *fakeSession) Logout() error { return nil }

func (f *fakeSession) ListFolders() ([]remote.FolderInfo, error) { return nil, nil }

func (f *fakeSession) SetFlags(string, []int64, []string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagErr
}

func (f *fakeSession) Delete(string, []int64, bool) error { return nil }

func (f *fakeSession) Move(string, string, []int64) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveResult, nil
}

func (f *fakeSession) FetchSince(string, int64, int) ([]*remote.Message, error) {
	return nil, nil
}

type harness struct {
	engine  *Engine
	session *fakeSession

	mu      sync.Mutex
	offline bool

	inboxID   int64
	archiveID int64
}

func (h *harness) setOffline(offline bool) {
	h.mu.Lock()
	h.offline = offline
	h.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{session: &fakeSession{moveResult: map[int64]int64{}}}

	cfg := &config.Config{
		DBPath:             ":memory:",
		LogLevel:           "info",
		PoolMaxPerAccount:  2,
		PoolAcquireTimeout: time.Second,
		PoolIdleTimeout:    time.Minute,
		PoolSweepInterval:  time.Minute,
		WorkerInterval:     50 * time.Millisecond,
		WorkerBatchSize:    10,
		RetryMaxAttempts:   3,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      10 * time.Millisecond,
		SyncInterval:       time.Hour,
		SyncInitialDelay:   time.Hour,
		SyncPageSize:       50,
		Accounts: []config.AccountConfig{{
			Name:         "work",
			Email:        "work@example.com",
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPUsername: "work@example.com",
			IMAPPassword: "secret",
		}},
	}

	dial := pool.Dialer(func(string) (remote.Session, error) {
		h.mu.Lock()
		offline := h.offline
		h.mu.Unlock()
		if offline {
			return nil, errors.New("dial tcp: connection refused")
		}
		return h.session, nil
	})

	eng, err := New(cfg, dial, logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	h.engine = eng

	st := eng.Store()
	accountID, err := st.GetAccountID("work")
	require.NoError(t, err)
	h.inboxID, err = st.EnsureFolder(accountID, "INBOX", "/", types.SpecialInbox, true)
	require.NoError(t, err)
	h.archiveID, err = st.EnsureFolder(accountID, "Archive", "/", types.SpecialNone, true)
	require.NoError(t, err)

	return h
}

func (h *harness) seedEmail(t *testing.T, folderID, uid int64, flags []string, status types.SyncStatus) {
	t.Helper()
	st := h.engine.Store()
	accountID, err := st.GetAccountID("work")
	require.NoError(t, err)

	err = st.UpsertEmail(&types.Email{
		AccountID:  accountID,
		FolderID:   folderID,
		UID:        uid,
		MessageID:  fmt.Sprintf("<%d@example.com>", uid),
		Subject:    fmt.Sprintf("message %d", uid),
		Date:       time.Now().UTC(),
		Flags:      flags,
		SyncStatus: status,
	})
	require.NoError(t, err)
	require.NoError(t, st.RecalculateCounts(folderID))
}

func TestOfflineMoveAppliedOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 42, nil, types.SyncSynced)
	h.setOffline(true)

	_, err := h.engine.Move("work", "INBOX", "Archive", []int64{42})
	require.NoError(t, err)

	// The move is visible immediately under a temporary UID
	st := h.engine.Store()
	emails, err := st.ListEmails(h.archiveID, 0, 0)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Negative(t, emails[0].UID)
	assert.Equal(t, types.SyncMoved, emails[0].SyncStatus)

	count, err := st.CountEmails(h.inboxID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// A worker pass while offline retries instead of failing
	require.NoError(t, h.engine.Worker().RunOnce())
	stats, err := h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)

	// Back online the queued move drains and the server UID lands
	h.setOffline(false)
	h.session.moveResult = map[int64]int64{42: 99}

	time.Sleep(20 * time.Millisecond) // let the retry backoff elapse
	require.NoError(t, h.engine.Worker().RunOnce())

	email, err := st.GetEmailByUID(h.archiveID, 99)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, email.SyncStatus)

	stats, err = h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Queued+stats.InFlight+stats.Failed)
}

func TestBulkDeleteSplitsLocalOnlyUIDs(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 5, nil, types.SyncSynced)
	h.seedEmail(t, h.inboxID, 7, nil, types.SyncSynced)
	h.seedEmail(t, h.inboxID, -3, nil, types.SyncMoved)

	_, err := h.engine.DeleteToTrash("work", "INBOX", []int64{5, -3, 7})
	require.NoError(t, err)

	st := h.engine.Store()

	// The local-only email is gone outright; nothing on the server to delete
	_, err = st.GetEmailByUID(h.inboxID, -3)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, uid := range []int64{5, 7} {
		email, err := st.GetEmailByUID(h.inboxID, uid)
		require.NoError(t, err)
		assert.Equal(t, types.SyncDeleted, email.SyncStatus)
	}

	// Only the server-known UIDs travel in the queued operation
	ops, err := h.engine.Queue().Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpDeleteTrash, ops[0].Kind)
	assert.Equal(t, []int64{5, 7}, ops[0].UIDs)
}

func TestSecondMoveOnPendingEmailRejected(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 5, nil, types.SyncSynced)

	_, err := h.engine.Move("work", "INBOX", "Archive", []int64{5})
	require.NoError(t, err)

	st := h.engine.Store()
	emails, err := st.ListEmails(h.archiveID, 0, 0)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	tempUID := emails[0].UID

	_, err = h.engine.Move("work", "Archive", "INBOX", []int64{tempUID})
	assert.ErrorIs(t, err, store.ErrOperationPending)
}

func TestFlagOnUnconfirmedMoveQueued(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 42, nil, types.SyncSynced)

	_, err := h.engine.Move("work", "INBOX", "Archive", []int64{42})
	require.NoError(t, err)

	st := h.engine.Store()
	emails, err := st.ListEmails(h.archiveID, 0, 0)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	tempUID := emails[0].UID

	// The moved email is still usable while the move awaits confirmation
	_, err = h.engine.AddFlags("work", "Archive", []int64{tempUID}, []string{types.FlagSeen})
	require.NoError(t, err)

	email, err := st.GetEmailByUID(h.archiveID, tempUID)
	require.NoError(t, err)
	assert.True(t, email.Seen())
	assert.Equal(t, types.SyncMoved, email.SyncStatus)

	// Confirming the move rewrites the queued flag write to the server UID
	h.session.moveResult = map[int64]int64{42: 99}

	require.NoError(t, h.engine.Worker().RunOnce())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.engine.Worker().RunOnce())

	email, err = st.GetEmailByUID(h.archiveID, 99)
	require.NoError(t, err)
	assert.True(t, email.Seen())
	assert.Equal(t, types.SyncSynced, email.SyncStatus)

	stats, err := h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Queued+stats.InFlight+stats.Failed)
}

func TestBulkDeleteRejectionLeavesLocalRows(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 5, nil, types.SyncDeleted)
	h.seedEmail(t, h.inboxID, -3, nil, types.SyncMoved)

	// The already-deleted server UID rejects the whole batch before any
	// local write, so the temporary UID survives
	_, err := h.engine.DeleteToTrash("work", "INBOX", []int64{5, -3})
	assert.ErrorIs(t, err, store.ErrOperationPending)

	st := h.engine.Store()
	_, err = st.GetEmailByUID(h.inboxID, -3)
	require.NoError(t, err)

	stats, err := h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Queued+stats.InFlight+stats.Failed)
}

func TestFlagAddIsOptimistic(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 1, nil, types.SyncSynced)

	sub := h.engine.Events().Subscribe()

	_, err := h.engine.AddFlags("work", "INBOX", []int64{1}, []string{types.FlagSeen})
	require.NoError(t, err)

	st := h.engine.Store()
	email, err := st.GetEmailByUID(h.inboxID, 1)
	require.NoError(t, err)
	assert.True(t, email.Seen())
	assert.Equal(t, types.SyncPending, email.SyncStatus)

	folder, err := st.GetFolder(h.inboxID)
	require.NoError(t, err)
	assert.Zero(t, folder.Unseen)

	stats, err := h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)

	var changed bool
	for len(sub) > 0 {
		if ev := <-sub; ev.Type == events.EmailsChanged {
			changed = true
		}
	}
	assert.True(t, changed, "expected an emails-changed event")
}

func TestFlagRollbackRestoresOriginalFlags(t *testing.T) {
	h := newHarness(t)
	h.seedEmail(t, h.inboxID, 1, []string{types.FlagFlagged}, types.SyncSynced)
	h.session.flagErr = remote.Permanent(errors.New("message gone"))

	_, err := h.engine.AddFlags("work", "INBOX", []int64{1}, []string{types.FlagSeen})
	require.NoError(t, err)

	require.NoError(t, h.engine.Worker().RunOnce())

	st := h.engine.Store()
	email, err := st.GetEmailByUID(h.inboxID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{types.FlagFlagged}, email.Flags)
	assert.Equal(t, types.SyncSynced, email.SyncStatus)

	stats, err := h.engine.Queue().GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestEngineStartAndClose(t *testing.T) {
	h := newHarness(t)

	h.engine.Start()
	assert.Eventually(t, func() bool {
		return h.engine.Worker().GetStatus().Running
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Close())
	assert.False(t, h.engine.Worker().GetStatus().Running)
}
