package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/remote"
)

// ErrAcquireTimeout is returned when no connection became available within
// the acquire timeout.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// ErrPoolClosed is returned to callers, including parked waiters, once the
// pool has been shut down.
var ErrPoolClosed = errors.New("pool: closed")

// Dialer opens a new remote session for the named account
type Dialer func(account string) (remote.Session, error)

// Options configures a Pool
type Options struct {
	MaxPerAccount  int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

// Conn wraps one live session to an account's remote store
type Conn struct {
	ID      string
	Account string
	Session remote.Session

	inUse    bool
	lastUsed time.Time
	mailbox  string
}

// SetMailbox records the mailbox currently selected on this connection.
// The selection lock is released when the connection returns to the pool.
func (c *Conn) SetMailbox(name string) {
	c.mailbox = name
}

// Mailbox returns the currently selected mailbox, if any
func (c *Conn) Mailbox() string {
	return c.mailbox
}

// waiter is a parked Acquire call. The channel is buffered so a handoff
// under the pool lock never blocks.
type waiter struct {
	ch chan *Conn
}

// accountPool holds the per-account connection state
type accountPool struct {
	conns   []*Conn
	waiters []*waiter
	// pending counts in-flight session creations, so concurrent acquires
	// cannot both see room and exceed the cap.
	pending int
}

// Pool owns a bounded set of live sessions per account, hands them out and
// reclaims them, and evicts idle or broken ones.
type Pool struct {
	dial   Dialer
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool
	stop     chan struct{}
}

// New creates a connection pool and starts its idle sweep loop
func New(dial Dialer, opts Options, logger *logrus.Logger) *Pool {
	if opts.MaxPerAccount <= 0 {
		opts.MaxPerAccount = 3
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}

	p := &Pool{
		dial:     dial,
		opts:     opts,
		logger:   logger,
		accounts: make(map[string]*accountPool),
		stop:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns a live connection for the account, reusing an idle one,
// creating one if the cap allows, or waiting for a release otherwise.
func (p *Pool) Acquire(account string) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		ap := p.account(account)

		// Reuse an idle connection if one passes the liveness check
		if conn := idleConn(ap); conn != nil {
			conn.inUse = true
			p.mu.Unlock()

			if err := conn.Session.Ping(); err != nil {
				p.logger.WithFields(logrus.Fields{
					"account": account,
					"conn":    conn.ID,
				}).WithError(err).Warn("Removing dead pooled connection")
				p.Remove(conn)
				continue
			}
			return conn, nil
		}

		// Open a new session if there is room, counting creations that are
		// still in flight
		if len(ap.conns)+ap.pending < p.opts.MaxPerAccount {
			ap.pending++
			p.mu.Unlock()

			session, err := p.dial(account)

			p.mu.Lock()
			ap.pending--
			if err != nil {
				// The freed creation slot goes to the oldest waiter so it
				// can retry instead of waiting out its timeout.
				if len(ap.waiters) > 0 {
					w := ap.waiters[0]
					ap.waiters = ap.waiters[1:]
					w.ch <- nil
				}
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: failed to open session for %s: %w", account, err)
			}
			if p.closed {
				p.mu.Unlock()
				session.Logout() //nolint:errcheck
				return nil, ErrPoolClosed
			}

			conn := &Conn{
				ID:       uuid.NewString(),
				Account:  account,
				Session:  session,
				inUse:    true,
				lastUsed: time.Now(),
			}
			ap.conns = append(ap.conns, conn)
			p.mu.Unlock()

			p.logger.WithFields(logrus.Fields{
				"account": account,
				"conn":    conn.ID,
				"live":    len(ap.conns),
			}).Debug("Opened pooled connection")
			return conn, nil
		}

		// Cap reached: park until a release hands us a connection
		w := &waiter{ch: make(chan *Conn, 1)}
		ap.waiters = append(ap.waiters, w)
		p.mu.Unlock()

		timer := time.NewTimer(p.opts.AcquireTimeout)
		select {
		case conn, ok := <-w.ch:
			timer.Stop()
			if !ok {
				return nil, ErrPoolClosed
			}
			if conn == nil {
				// A failed dial freed a creation slot; retry immediately
				continue
			}
			return conn, nil
		case <-timer.C:
			p.mu.Lock()
			removed := removeWaiter(ap, w)
			p.mu.Unlock()
			if removed {
				return nil, ErrAcquireTimeout
			}
			// A handoff won the race with the timeout; it completes under
			// the pool lock, so it is already in the buffered channel.
			conn, ok := <-w.ch
			if !ok {
				return nil, ErrPoolClosed
			}
			if conn == nil {
				return nil, ErrAcquireTimeout
			}
			return conn, nil
		}
	}
}

// Release returns a connection to the pool, handing it directly to the
// oldest waiter if one is parked.
func (p *Pool) Release(conn *Conn) {
	p.mu.Lock()

	// The mailbox selection lock never survives a release
	conn.mailbox = ""

	if p.closed {
		p.mu.Unlock()
		conn.Session.Logout() //nolint:errcheck
		return
	}

	ap := p.account(conn.Account)
	if len(ap.waiters) > 0 {
		w := ap.waiters[0]
		ap.waiters = ap.waiters[1:]
		w.ch <- conn
		p.mu.Unlock()
		return
	}

	conn.inUse = false
	conn.lastUsed = time.Now()
	p.mu.Unlock()
}

// Remove detaches a connection from the pool and terminates its session.
// Used when a connection is broken or suspected dead.
func (p *Pool) Remove(conn *Conn) {
	p.mu.Lock()
	ap := p.account(conn.Account)
	detach(ap, conn)
	p.mu.Unlock()

	go conn.Session.Logout() //nolint:errcheck
}

// CloseAll tears down every connection for an account and rejects its
// parked waiters.
func (p *Pool) CloseAll(account string) {
	p.mu.Lock()
	ap, ok := p.accounts[account]
	if !ok {
		p.mu.Unlock()
		return
	}
	conns := ap.conns
	waiters := ap.waiters
	ap.conns = nil
	ap.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, conn := range conns {
		conn.Session.Logout() //nolint:errcheck
	}

	p.logger.WithFields(logrus.Fields{
		"account": account,
		"conns":   len(conns),
	}).Info("Closed account connections")
}

// Close shuts the pool down: all connections are torn down and all waiters,
// present and future, fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)

	var conns []*Conn
	var waiters []*waiter
	for _, ap := range p.accounts {
		conns = append(conns, ap.conns...)
		waiters = append(waiters, ap.waiters...)
		ap.conns = nil
		ap.waiters = nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, conn := range conns {
		conn.Session.Logout() //nolint:errcheck
	}

	p.logger.WithField("conns", len(conns)).Info("Connection pool closed")
}

// Stats returns the number of live connections per account
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]int, len(p.accounts))
	for name, ap := range p.accounts {
		stats[name] = len(ap.conns)
	}
	return stats
}

// sweepLoop periodically evicts connections idle past the idle timeout
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes idle connections older than the idle timeout
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var stale []*Conn
	for _, ap := range p.accounts {
		kept := ap.conns[:0]
		for _, conn := range ap.conns {
			if !conn.inUse && conn.lastUsed.Before(cutoff) {
				stale = append(stale, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		ap.conns = kept
	}
	p.mu.Unlock()

	for _, conn := range stale {
		conn.Session.Logout() //nolint:errcheck
		p.logger.WithFields(logrus.Fields{
			"account": conn.Account,
			"conn":    conn.ID,
		}).Debug("Evicted idle connection")
	}
}

// account returns the per-account state, creating it on first reference
func (p *Pool) account(name string) *accountPool {
	ap, ok := p.accounts[name]
	if !ok {
		ap = &accountPool{}
		p.accounts[name] = ap
	}
	return ap
}

// idleConn returns an idle connection, or nil
func idleConn(ap *accountPool) *Conn {
	for _, conn := range ap.conns {
		if !conn.inUse {
			return conn
		}
	}
	return nil
}

// detach removes a connection from the account's list
func detach(ap *accountPool, conn *Conn) {
	for i, c := range ap.conns {
		if c == conn {
			ap.conns = append(ap.conns[:i], ap.conns[i+1:]...)
			return
		}
	}
}

// removeWaiter removes a waiter from the FIFO, reporting whether it was
// still parked.
func removeWaiter(ap *accountPool, w *waiter) bool {
	for i, parked := range ap.waiters {
		if parked == w {
			ap.waiters = append(ap.waiters[:i], ap.waiters[i+1:]...)
			return true
		}
	}
	return false
}
