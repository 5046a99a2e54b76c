package queue

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db.Handle(), logger)
}

func newOp(folder string, uids ...int64) *types.Operation {
	return &types.Operation{
		Account:    "work",
		Kind:       types.OpFlagAdd,
		FolderPath: folder,
		UIDs:       uids,
		Flags:      []string{types.FlagSeen},
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	op := newOp("INBOX", 1, 2)
	op.Original = []types.OriginalState{{UID: 1, Flags: []string{types.FlagFlagged}, SyncStatus: types.SyncSynced}}

	id, err := q.Enqueue(op)
	require.NoError(t, err)
	assert.Positive(t, id)

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	got := ops[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, types.OpFlagAdd, got.Kind)
	assert.Equal(t, "INBOX", got.FolderPath)
	assert.Equal(t, []int64{1, 2}, got.UIDs)
	assert.Equal(t, []string{types.FlagSeen}, got.Flags)
	require.Len(t, got.Original, 1)
	assert.Equal(t, []string{types.FlagFlagged}, got.Original[0].Flags)
}

func TestDequeueHoldsBackSameFolder(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	second, err := q.Enqueue(newOp("INBOX", 2))
	require.NoError(t, err)

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, first, ops[0].ID)

	require.NoError(t, q.MarkDone(first))

	ops, err = q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, second, ops[0].ID)
}

func TestDequeueIndependentFolders(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	second, err := q.Enqueue(newOp("Archive", 2))
	require.NoError(t, err)

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first, ops[0].ID)
	assert.Equal(t, second, ops[1].ID)
}

func TestInFlightBlocksSuccessor(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(newOp("INBOX", 2))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(first))

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestBackoffDelaysRetry(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)

	require.NoError(t, q.RequeueWithBackoff(id, 1, time.Now().Add(time.Hour), "connection reset"))

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.NoError(t, q.RequeueWithBackoff(id, 2, time.Now().Add(-time.Second), "connection reset"))

	ops, err = q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RetryCount)
	assert.Equal(t, "connection reset", ops[0].LastError)
}

func TestBackoffHoldsSuccessorsInFolder(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(newOp("INBOX", 2))
	require.NoError(t, err)

	// The first operation backs off but stays queued, so the second must
	// not jump ahead of it.
	require.NoError(t, q.RequeueWithBackoff(first, 1, time.Now().Add(time.Hour), "timeout"))

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMarkFailedKeepsRowForInspection(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(id, "no such mailbox"))

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	assert.Empty(t, ops)

	failed, err := q.GetFailedOperations()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, "no such mailbox", failed[0].LastError)
}

func TestCleanupFailedRemovesOldRows(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(id, "broken"))

	time.Sleep(20 * time.Millisecond)

	n, err := q.CleanupFailed(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	failed, err := q.GetFailedOperations()
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRewriteUIDTargetsPendingOps(t *testing.T) {
	q := newTestQueue(t)

	op := newOp("Archive", -5, 3)
	op.Original = []types.OriginalState{{UID: -5, SyncStatus: types.SyncMoved}}
	id, err := q.Enqueue(op)
	require.NoError(t, err)

	// Operations on other folders keep their UIDs
	otherID, err := q.Enqueue(newOp("INBOX", -5))
	require.NoError(t, err)

	require.NoError(t, q.RewriteUID("work", "Archive", -5, 99))

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, got := range ops {
		switch got.ID {
		case id:
			assert.Equal(t, []int64{99, 3}, got.UIDs)
			require.Len(t, got.Original, 1)
			assert.Equal(t, int64(99), got.Original[0].UID)
		case otherID:
			assert.Equal(t, []int64{-5}, got.UIDs)
		}
	}
}

func TestRecoverInFlight(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(id))

	n, err := q.RecoverInFlight()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ops, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(newOp("INBOX", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(newOp("Archive", 2))
	require.NoError(t, err)
	third, err := q.Enqueue(newOp("Sent", 3))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(first))
	require.NoError(t, q.MarkFailed(third, "broken"))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Failed)
}
