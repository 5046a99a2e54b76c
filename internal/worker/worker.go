package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/events"
	"github.com/brandon/mailsync/internal/pool"
	"github.com/brandon/mailsync/internal/queue"
	"github.com/brandon/mailsync/internal/remote"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// Options configures the operation worker
type Options struct {
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Worker drains the operation queue on a timer: it acquires a pooled
// connection, applies each operation remotely, and reconciles local state
// with the outcome (commit, retry with backoff, or rollback).
type Worker struct {
	store  *store.Store
	queue  *queue.Queue
	pool   *pool.Pool
	bus    *events.Bus
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	lastErr  string
	stop     chan struct{}
	done     chan struct{}
}

// New creates a new operation worker
func New(st *store.Store, q *queue.Queue, p *pool.Pool, bus *events.Bus, opts Options, logger *logrus.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 5 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Minute
	}

	return &Worker{
		store:  st,
		queue:  q,
		pool:   p,
		bus:    bus,
		opts:   opts,
		logger: logger,
	}
}

// Start launches the timer-driven drain loop
func (w *Worker) Start(interval time.Duration) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(interval)
	w.logger.WithField("interval", interval).Info("Operation worker started")
}

// Stop halts the drain loop and waits for the current tick to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("Operation worker stopped")
}

// GetStatus reports the worker's state for the observability surface
func (w *Worker) GetStatus() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.WorkerStatus{
		Running:    w.running,
		LastTickAt: w.lastTick,
		LastError:  w.lastErr,
	}
}

// loop runs RunOnce on every tick until stopped
func (w *Worker) loop(interval time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.RunOnce(); err != nil {
				w.logger.WithError(err).Error("Worker tick failed")
			}
		}
	}
}

// RunOnce drains one batch of due operations. Each operation's outcome is
// isolated; one failure never aborts the batch.
func (w *Worker) RunOnce() error {
	w.mu.Lock()
	w.lastTick = time.Now()
	w.mu.Unlock()

	ops, err := w.queue.Dequeue(w.opts.BatchSize)
	if err != nil {
		w.setLastError(err)
		return fmt.Errorf("failed to dequeue operations: %w", err)
	}

	for i := range ops {
		w.processOne(&ops[i])
	}

	w.setLastError(nil)
	return nil
}

// processOne applies a single operation remotely and reconciles the local
// mirror with the outcome.
func (w *Worker) processOne(op *types.Operation) {
	log := w.logger.WithFields(logrus.Fields{
		"op":      op.ID,
		"kind":    op.Kind,
		"account": op.Account,
		"folder":  op.FolderPath,
	})

	if err := w.queue.MarkInFlight(op.ID); err != nil {
		log.WithError(err).Error("Failed to mark operation in flight")
		return
	}

	conn, err := w.pool.Acquire(op.Account)
	if err != nil {
		// Pool exhaustion and dial failures are transient
		log.WithError(err).Warn("Failed to acquire connection")
		w.retryOrFail(op, err, log)
		return
	}

	uidMap, err := w.apply(conn, op)
	if err != nil {
		if remote.IsPermanent(err) {
			// The session is healthy; the server rejected the operation
			w.pool.Release(conn)
		} else {
			// Anything else may mean a broken connection; never reuse a
			// session in doubt
			w.pool.Remove(conn)
		}
		log.WithError(err).Warn("Remote operation failed")
		w.retryOrFail(op, err, log)
		return
	}
	w.pool.Release(conn)

	if err := w.commit(op, uidMap); err != nil {
		// The remote mutation succeeded but the mirror update failed. This
		// is a local invariant problem, not a remote one: log loudly and
		// drop the operation rather than replay it.
		log.WithError(err).Error("Failed to reconcile local state after remote success")
	}

	if err := w.queue.MarkDone(op.ID); err != nil {
		log.WithError(err).Error("Failed to mark operation done")
		return
	}
	log.Debug("Operation confirmed")
}

// apply translates an operation into the matching remote call
func (w *Worker) apply(conn *pool.Conn, op *types.Operation) (map[int64]int64, error) {
	switch op.Kind {
	case types.OpFlagAdd:
		if err := requireServerUIDs(op.UIDs); err != nil {
			return nil, err
		}
		conn.SetMailbox(op.FolderPath)
		return nil, conn.Session.SetFlags(op.FolderPath, op.UIDs, op.Flags, true)
	case types.OpFlagRemove:
		if err := requireServerUIDs(op.UIDs); err != nil {
			return nil, err
		}
		conn.SetMailbox(op.FolderPath)
		return nil, conn.Session.SetFlags(op.FolderPath, op.UIDs, op.Flags, false)
	case types.OpDeleteTrash:
		conn.SetMailbox(op.FolderPath)
		return nil, conn.Session.Delete(op.FolderPath, op.UIDs, false)
	case types.OpDeletePermanent:
		conn.SetMailbox(op.FolderPath)
		return nil, conn.Session.Delete(op.FolderPath, op.UIDs, true)
	case types.OpMove:
		conn.SetMailbox(op.TargetFolder)
		return conn.Session.Move(op.FolderPath, op.TargetFolder, op.UIDs)
	default:
		return nil, remote.Permanent(fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

// commit upgrades the optimistic local write after the remote store
// confirmed the operation.
func (w *Worker) commit(op *types.Operation, uidMap map[int64]int64) error {
	folder, err := w.store.FolderByPath(op.Account, op.FolderPath)
	if err != nil {
		return err
	}

	switch op.Kind {
	case types.OpFlagAdd, types.OpFlagRemove:
		for _, uid := range op.UIDs {
			if err := w.store.SetSyncStatus(folder.ID, uid, types.SyncSynced); err != nil {
				return err
			}
		}
		w.bus.Publish(events.Event{Type: events.EmailsChanged, Account: op.Account, Folder: op.FolderPath})

	case types.OpDeleteTrash, types.OpDeletePermanent:
		if err := w.store.PurgeDeleted(folder.ID, op.UIDs); err != nil {
			return err
		}
		w.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: op.Account, Folder: op.FolderPath})

	case types.OpMove:
		target, err := w.store.FolderByPath(op.Account, op.TargetFolder)
		if err != nil {
			return err
		}
		for _, orig := range op.Original {
			newUID, ok := uidMap[orig.UID]
			if !ok {
				// The server did not report a UID for this message; leave
				// the temporary UID for the background sync to reconcile.
				w.logger.WithFields(logrus.Fields{
					"op":  op.ID,
					"uid": orig.UID,
				}).Warn("Move confirmed without a server UID")
				continue
			}
			if err := w.store.UpdateUIDAfterMove(target.ID, orig.TempUID, newUID); err != nil {
				return err
			}
			// Flag operations queued against the temporary UID now target
			// the server-assigned one.
			if err := w.queue.RewriteUID(op.Account, op.TargetFolder, orig.TempUID, newUID); err != nil {
				return err
			}
		}
		w.bus.Publish(events.Event{Type: events.EmailsChanged, Account: op.Account, Folder: op.TargetFolder})
		w.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: op.Account, Folder: op.FolderPath})
	}

	return nil
}

// retryOrFail returns a transiently failed operation to the queue with
// exponential backoff, or marks it failed and rolls back the optimistic
// write once the failure is permanent or the retry ceiling is reached.
func (w *Worker) retryOrFail(op *types.Operation, cause error, log *logrus.Entry) {
	op.RetryCount++

	if !remote.IsPermanent(cause) && op.RetryCount < w.opts.MaxAttempts {
		delay := w.backoff(op.RetryCount)
		if err := w.queue.RequeueWithBackoff(op.ID, op.RetryCount, time.Now().Add(delay), cause.Error()); err != nil {
			log.WithError(err).Error("Failed to requeue operation")
			return
		}
		log.WithFields(logrus.Fields{
			"retry": op.RetryCount,
			"delay": delay,
		}).Info("Operation requeued")
		return
	}

	if err := w.queue.MarkFailed(op.ID, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark operation failed")
		return
	}

	if err := w.rollback(op); err != nil {
		log.WithError(err).Error("Failed to roll back optimistic write")
	}

	w.bus.Publish(events.Event{
		Type:        events.OperationFailed,
		Account:     op.Account,
		Folder:      op.FolderPath,
		OperationID: op.ID,
		Error:       cause.Error(),
	})
	log.WithField("retries", op.RetryCount).Error("Operation failed permanently")
}

// rollback undoes the optimistic local write using the operation's
// captured original state. Without original state the failed operation is
// left visible for manual resolution instead.
func (w *Worker) rollback(op *types.Operation) error {
	if len(op.Original) == 0 {
		w.logger.WithField("op", op.ID).Warn("No original state captured; skipping rollback")
		return nil
	}

	folder, err := w.store.FolderByPath(op.Account, op.FolderPath)
	if err != nil {
		return err
	}

	switch op.Kind {
	case types.OpFlagAdd, types.OpFlagRemove:
		for _, orig := range op.Original {
			status := orig.SyncStatus
			if status == "" {
				status = types.SyncSynced
			}
			if err := w.store.SetFlagsByUID(folder.ID, orig.UID, orig.Flags, status); err != nil {
				return err
			}
		}

	case types.OpDeleteTrash, types.OpDeletePermanent:
		if err := w.store.RestoreDeleted(folder.ID, op.Original); err != nil {
			return err
		}

	case types.OpMove:
		target, err := w.store.FolderByPath(op.Account, op.TargetFolder)
		if err != nil {
			return err
		}
		if err := w.store.RestoreMove(folder.ID, target.ID, op.Original); err != nil {
			return err
		}
		w.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: op.Account, Folder: op.TargetFolder})
	}

	w.bus.Publish(events.Event{Type: events.EmailsChanged, Account: op.Account, Folder: op.FolderPath})
	w.bus.Publish(events.Event{Type: events.FolderCountsChanged, Account: op.Account, Folder: op.FolderPath})
	return nil
}

// requireServerUIDs fails when an operation still references a temporary
// UID, meaning the move that minted it has not confirmed yet. The failure
// is transient: the queue rewrites the UID once the move commits.
func requireServerUIDs(uids []int64) error {
	for _, uid := range uids {
		if uid < 0 {
			return fmt.Errorf("uid %d has no server-assigned uid yet", uid)
		}
	}
	return nil
}

// backoff returns the delay before the given retry attempt, doubling each
// time up to the configured ceiling.
func (w *Worker) backoff(retry int) time.Duration {
	delay := w.opts.RetryBaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= w.opts.RetryMaxDelay {
			return w.opts.RetryMaxDelay
		}
	}
	if delay > w.opts.RetryMaxDelay {
		return w.opts.RetryMaxDelay
	}
	return delay
}

// setLastError records the most recent tick error for GetStatus
func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.lastErr = ""
	} else {
		w.lastErr = err.Error()
	}
}
