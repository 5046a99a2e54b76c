package syncer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/events"
	"github.com/brandon/mailsync/internal/pool"
	"github.com/brandon/mailsync/internal/remote"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// Options configures the background sync manager
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	PageSize     int
}

// Manager periodically reconciles the local mirror with the remote store:
// it polls the inbox for new messages and back-fills folders that have no
// local data yet. It only ever adds records, so it cannot conflict with
// the operation worker.
type Manager struct {
	store    *store.Store
	pool     *pool.Pool
	bus      *events.Bus
	accounts []config.AccountConfig
	opts     Options
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a new background sync manager
func New(st *store.Store, p *pool.Pool, bus *events.Bus, accounts []config.AccountConfig, opts Options, logger *logrus.Logger) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 10 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	return &Manager{
		store:    st,
		pool:     p,
		bus:      bus,
		accounts: accounts,
		opts:     opts,
		logger:   logger,
	}
}

// Start launches the sync loop. The first run is delayed so startup is not
// dominated by network traffic.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
	m.logger.WithField("interval", m.opts.Interval).Info("Background sync started")
}

// Stop halts the sync loop
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("Background sync stopped")
}

// loop waits out the initial delay, then reconciles on every tick
func (m *Manager) loop() {
	defer close(m.done)

	select {
	case <-m.stop:
		return
	case <-time.After(m.opts.InitialDelay):
	}

	if err := m.SyncAll(); err != nil {
		m.logger.WithError(err).Warn("Background sync failed")
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.SyncAll(); err != nil {
				m.logger.WithError(err).Warn("Background sync failed")
			}
		}
	}
}

// SyncAll reconciles every configured account. Account failures are
// isolated from each other.
func (m *Manager) SyncAll() error {
	var firstErr error
	for i := range m.accounts {
		if err := m.syncAccount(&m.accounts[i]); err != nil {
			m.logger.WithError(err).WithField("account", m.accounts[i].Name).Warn("Failed to sync account")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// syncAccount reconciles a single account: folder list, inbox polling, and
// back-fill of folders with no local data.
func (m *Manager) syncAccount(acc *config.AccountConfig) error {
	accountID, err := m.store.EnsureAccount(acc.Name, acc.Email)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}

	conn, err := m.pool.Acquire(acc.Name)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	remoteFolders, err := conn.Session.ListFolders()
	if err != nil {
		return fmt.Errorf("failed to list remote folders: %w", err)
	}

	for _, rf := range remoteFolders {
		folderID, err := m.store.EnsureFolder(accountID, rf.Path, rf.Delimiter, rf.SpecialUse, rf.Selectable)
		if err != nil {
			m.logger.WithError(err).WithField("folder", rf.Path).Warn("Failed to mirror folder")
			continue
		}
		if !rf.Selectable {
			continue
		}

		if err := m.syncFolder(conn, accountID, folderID, rf); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"account": acc.Name,
				"folder":  rf.Path,
			}).Warn("Failed to sync folder")
		}
	}

	return nil
}

// syncFolder polls the inbox for new messages and back-fills an initial
// page for folders with no local data. Folders holding temporary UIDs from
// unconfirmed moves are skipped so the sync cannot clobber them.
func (m *Manager) syncFolder(conn *pool.Conn, accountID, folderID int64, rf remote.FolderInfo) error {
	pendingMove, err := m.store.HasNegativeUIDs(folderID)
	if err != nil {
		return err
	}
	if pendingMove {
		return nil
	}

	// The gate counts soft-deleted rows too: a folder whose messages are
	// all awaiting a remote delete has been synced and must not be
	// back-filled, or the fetched copies would shadow the pending delete.
	count, err := m.store.CountAllEmails(folderID)
	if err != nil {
		return err
	}

	sinceUID := int64(0)
	if count > 0 {
		if rf.SpecialUse != types.SpecialInbox {
			// Only the inbox is polled for new mail; other folders are
			// back-filled once and refreshed on demand.
			return nil
		}
		sinceUID, err = m.store.MaxUID(folderID)
		if err != nil {
			return err
		}
	}

	conn.SetMailbox(rf.Path)
	messages, err := conn.Session.FetchSince(rf.Path, sinceUID, m.opts.PageSize)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(messages) == 0 {
		return m.store.TouchFolderSynced(folderID)
	}

	for _, msg := range messages {
		email := msg.Email
		email.AccountID = accountID
		email.FolderID = folderID

		if err := m.store.UpsertEmail(&email); err != nil {
			m.logger.WithError(err).WithField("uid", email.UID).Warn("Failed to mirror email")
			continue
		}
		if msg.Body.Text != "" || msg.Body.HTML != "" {
			stored, err := m.store.GetEmailByUID(folderID, email.UID)
			if err == nil {
				if _, err := m.store.PutBody(stored.ID, &msg.Body); err != nil {
					m.logger.WithError(err).WithField("uid", email.UID).Warn("Failed to cache email body")
				}
			}
		}
	}

	if err := m.store.RecalculateCounts(folderID); err != nil {
		return err
	}
	if err := m.store.TouchFolderSynced(folderID); err != nil {
		return err
	}

	m.bus.Publish(events.Event{Type: events.FolderCountsChanged, Folder: rf.Path, Count: len(messages)})
	if sinceUID > 0 {
		m.bus.Publish(events.Event{Type: events.NewMail, Folder: rf.Path, Count: len(messages)})
	}

	m.logger.WithFields(logrus.Fields{
		"folder": rf.Path,
		"count":  len(messages),
	}).Info("Synced folder")
	return nil
}
