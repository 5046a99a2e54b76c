package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/events"
	"github.com/brandon/mailsync/internal/pool"
	"github.com/brandon/mailsync/internal/queue"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/syncer"
	"github.com/brandon/mailsync/internal/worker"
)

// Engine wires the mirror store, operation queue, connection pool, worker,
// and background sync into one unit with a single lifecycle.
type Engine struct {
	cfg    *config.Config
	db     *store.DB
	store  *store.Store
	queue  *queue.Queue
	pool   *pool.Pool
	worker *worker.Worker
	syncer *syncer.Manager
	bus    *events.Bus
	logger *logrus.Logger
}

// New builds an engine from configuration. The dialer is injected so tests
// can run the full engine against a fake remote store.
func New(cfg *config.Config, dial pool.Dialer, logger *logrus.Logger) (*Engine, error) {
	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	st := store.NewStore(db, logger)
	q := queue.New(db.Handle(), logger)
	bus := events.NewBus(logger)

	p := pool.New(dial, pool.Options{
		MaxPerAccount:  cfg.PoolMaxPerAccount,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
		SweepInterval:  cfg.PoolSweepInterval,
	}, logger)

	w := worker.New(st, q, p, bus, worker.Options{
		BatchSize:      cfg.WorkerBatchSize,
		MaxAttempts:    cfg.RetryMaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, logger)

	sm := syncer.New(st, p, bus, cfg.Accounts, syncer.Options{
		Interval:     cfg.SyncInterval,
		InitialDelay: cfg.SyncInitialDelay,
		PageSize:     cfg.SyncPageSize,
	}, logger)

	e := &Engine{
		cfg:    cfg,
		db:     db,
		store:  st,
		queue:  q,
		pool:   p,
		worker: w,
		syncer: sm,
		bus:    bus,
		logger: logger,
	}

	if err := e.bootstrap(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return e, nil
}

// bootstrap prepares the mirror for a new run: configured accounts are
// registered and operations stranded by a crash are returned to the queue.
func (e *Engine) bootstrap() error {
	for i := range e.cfg.Accounts {
		acc := &e.cfg.Accounts[i]
		if _, err := e.store.EnsureAccount(acc.Name, acc.Email); err != nil {
			return fmt.Errorf("failed to register account %s: %w", acc.Name, err)
		}
	}

	if _, err := e.queue.RecoverInFlight(); err != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	return nil
}

// Start launches the operation worker and the background sync
func (e *Engine) Start() {
	e.worker.Start(e.cfg.WorkerInterval)
	e.syncer.Start()
	e.logger.Info("Sync engine started")
}

// Close stops the background loops, closes all remote sessions, and closes
// the database.
func (e *Engine) Close() error {
	e.syncer.Stop()
	e.worker.Stop()
	e.pool.Close()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	e.logger.Info("Sync engine stopped")
	return nil
}

// Store exposes the local mirror for read paths
func (e *Engine) Store() *store.Store {
	return e.store
}

// Queue exposes the operation queue for the observability surface
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Worker exposes the operation worker for status reporting
func (e *Engine) Worker() *worker.Worker {
	return e.worker
}

// Syncer exposes the background sync manager
func (e *Engine) Syncer() *syncer.Manager {
	return e.syncer
}

// Pool exposes the connection pool for status reporting
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Events exposes the engine's event bus
func (e *Engine) Events() *events.Bus {
	return e.bus
}
