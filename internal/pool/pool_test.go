package pool

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/remote"
)

type fakeSession struct {
	mu        sync.Mutex
	pingErr   error
	loggedOut bool
}

func (f *fakeSession) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSession) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeSession) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

func (f *fakeSession) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeSession) ListFolders() ([]remote.FolderInfo, error)          { return nil, nil }
func (f *fakeSession) SetFlags(string, []int64, []string, bool) error     { return nil }
func (f *fakeSession) Delete(string, []int64, bool) error                 { return nil }
func (f *fakeSession) Move(string, string, []int64) (map[int64]int64, error) {
	return nil, nil
}
func (f *fakeSession) FetchSince(string, int64, int) ([]*remote.Message, error) {
	return nil, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testDialer struct {
	mu       sync.Mutex
	dials    int32
	sessions []*fakeSession
}

func (d *testDialer) dial(string) (remote.Session, error) {
	atomic.AddInt32(&d.dials, 1)
	s := &fakeSession{}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *testDialer) count() int {
	return int(atomic.LoadInt32(&d.dials))
}

func newTestPool(t *testing.T, opts Options) (*Pool, *testDialer) {
	t.Helper()
	d := &testDialer{}
	p := New(d.dial, opts, testLogger())
	t.Cleanup(p.Close)
	return p, d
}

func TestAcquireBoundedPerAccount(t *testing.T) {
	p, d := newTestPool(t, Options{MaxPerAccount: 3, AcquireTimeout: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		_, err := p.Acquire("work")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.count())

	_, err := p.Acquire("work")
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Equal(t, 3, d.count())
}

func TestAccountsHaveIndependentCaps(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: 50 * time.Millisecond})

	_, err := p.Acquire("work")
	require.NoError(t, err)

	_, err = p.Acquire("personal")
	require.NoError(t, err)
}

func TestReleaseReusesConnection(t *testing.T) {
	p, d := newTestPool(t, Options{MaxPerAccount: 3, AcquireTimeout: time.Second})

	c1, err := p.Acquire("work")
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire("work")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, 1, d.count())
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: 5 * time.Second})

	c1, err := p.Acquire("work")
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire("work")
		if err == nil {
			got <- c
		}
	}()

	// Let the second acquire park before releasing
	time.Sleep(50 * time.Millisecond)
	p.Release(c1)

	select {
	case c2 := <-got:
		assert.Equal(t, c1.ID, c2.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the released connection")
	}
}

func TestReleaseClearsMailboxSelection(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})

	c1, err := p.Acquire("work")
	require.NoError(t, err)
	c1.SetMailbox("INBOX")
	p.Release(c1)

	c2, err := p.Acquire("work")
	require.NoError(t, err)
	assert.Empty(t, c2.Mailbox())
}

func TestDeadConnectionsReplaced(t *testing.T) {
	p, d := newTestPool(t, Options{MaxPerAccount: 3, AcquireTimeout: time.Second})

	c1, err := p.Acquire("work")
	require.NoError(t, err)
	p.Release(c1)

	d.sessions[0].setPingErr(errors.New("connection reset"))

	c2, err := p.Acquire("work")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, 2, d.count())

	assert.Eventually(t, d.sessions[0].isLoggedOut, time.Second, 10*time.Millisecond,
		"dead connection was never logged out")
}

func TestDialFailureWakesWaiter(t *testing.T) {
	var dials int32
	gate := make(chan error)
	dial := func(string) (remote.Session, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return nil, <-gate
		}
		return &fakeSession{}, nil
	}
	p := New(dial, Options{MaxPerAccount: 1, AcquireTimeout: 10 * time.Second}, testLogger())
	t.Cleanup(p.Close)

	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire("work")
		firstErr <- err
	}()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == 1
	}, time.Second, 5*time.Millisecond)

	// The cap is taken by the in-flight dial, so this acquire parks
	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire("work")
		if err == nil {
			got <- c
		}
	}()
	time.Sleep(50 * time.Millisecond)

	gate <- errors.New("connection refused")

	assert.ErrorContains(t, <-firstErr, "connection refused")

	// The waiter retries on the freed slot instead of timing out
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never retried after the failed dial")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestCloseFailsWaiters(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: 5 * time.Second})

	_, err := p.Acquire("work")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire("work")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never failed after pool close")
	}

	_, err = p.Acquire("work")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCloseAllAccount(t *testing.T) {
	p, d := newTestPool(t, Options{MaxPerAccount: 2, AcquireTimeout: time.Second})

	c1, err := p.Acquire("work")
	require.NoError(t, err)
	p.Release(c1)

	p.CloseAll("work")

	assert.Equal(t, 0, p.Stats()["work"])
	assert.True(t, d.sessions[0].isLoggedOut())

	// The account is usable again afterwards
	_, err = p.Acquire("work")
	require.NoError(t, err)
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	const maxConns = 3
	p, d := newTestPool(t, Options{MaxPerAccount: maxConns, AcquireTimeout: 5 * time.Second})

	var inUse, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				conn, err := p.Acquire("work")
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inUse, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inUse, -1)
				p.Release(conn)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), maxConns)
	assert.LessOrEqual(t, d.count(), maxConns)
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	p, d := newTestPool(t, Options{
		MaxPerAccount:  2,
		AcquireTimeout: time.Second,
		IdleTimeout:    20 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	})

	c1, err := p.Acquire("work")
	require.NoError(t, err)
	p.Release(c1)

	assert.Eventually(t, func() bool {
		return p.Stats()["work"] == 0 && d.sessions[0].isLoggedOut()
	}, time.Second, 10*time.Millisecond, "idle connection was never evicted")
}
