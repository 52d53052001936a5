package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/internal/transport/transporttest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	pool    *Pool
	clock   *testClock
	network *transporttest.Network
	dialer  transport.Dialer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	network := transporttest.NewNetwork()
	network.AddServer("nas", "media", transporttest.NewServer())
	network.AddServer("nas", "backup", transporttest.NewServer())

	dialer, err := network.Factory()(transport.Profile{Name: transport.ProfileNormal})
	require.NoError(t, err)

	p := New(DefaultConfig(), WithClock(clock.Now))
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{pool: p, clock: clock, network: network, dialer: dialer}
}

func (f *fixture) connector(key transport.Key) Connector {
	return func(ctx context.Context) (transport.Conn, error) {
		return f.dialer.Dial(ctx, key, transport.Credentials{Username: key.Username})
	}
}

func (f *fixture) acquire(t *testing.T, key transport.Key) *Lease {
	t.Helper()
	lease, err := f.pool.Acquire(context.Background(), key, f.connector(key))
	require.NoError(t, err)
	return lease
}

func baseKey() transport.Key {
	return transport.Key{Protocol: transport.ProtocolSMB, Server: "nas", Port: 445, Share: "media", Username: "bob", Domain: "HOME"}
}

func TestPool_ReuseSameKey(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	l1 := f.acquire(t, key)
	assert.True(t, l1.Fresh)
	l1.Done()

	l2 := f.acquire(t, key)
	assert.False(t, l2.Fresh)
	assert.Same(t, l1.Conn, l2.Conn)
	l2.Done()

	assert.Equal(t, 1, f.network.Dials())
	assert.Equal(t, 1, f.pool.Len())
	assert.Equal(t, int64(1), f.pool.Stats().Hits)
}

func TestPool_DistinctKeys(t *testing.T) {
	f := newFixture(t)
	base := baseKey()

	variants := []func(k *transport.Key){
		func(k *transport.Key) { k.Server = "NAS" },
		func(k *transport.Key) { k.Port = 1445 },
		func(k *transport.Key) { k.Share = "backup" },
		func(k *transport.Key) { k.Username = "alice" },
		func(k *transport.Key) { k.Domain = "WORK" },
	}

	f.network.AddServer("NAS", "media", transporttest.NewServer())
	first := f.acquire(t, base)
	first.Done()

	for i, mutate := range variants {
		key := base
		mutate(&key)
		lease := f.acquire(t, key)
		assert.True(t, lease.Fresh, "variant %d must not reuse", i)
		assert.NotSame(t, first.Conn, lease.Conn)
		lease.Done()
	}

	assert.Equal(t, len(variants)+1, f.pool.Len())
}

func TestPool_StaleEviction(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	l1 := f.acquire(t, key)
	l1.Done()

	f.clock.Advance(DefaultConfig().IdleTimeout + time.Second)

	l2 := f.acquire(t, key)
	assert.True(t, l2.Fresh)
	assert.NotSame(t, l1.Conn, l2.Conn)
	assert.Equal(t, 2, f.network.Dials())

	f.pool.Drain()
	assert.Equal(t, 1, l1.Conn.(*transporttest.Conn).CloseCount())
	assert.Equal(t, int64(1), f.pool.Stats().EvictedStale)
}

func TestPool_WithinIdleThresholdReuses(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	f.acquire(t, key).Done()
	f.clock.Advance(DefaultConfig().IdleTimeout - time.Second)
	f.acquire(t, key).Done()
	f.clock.Advance(DefaultConfig().IdleTimeout - time.Second)
	f.acquire(t, key).Done()

	assert.Equal(t, 1, f.network.Dials(), "each use refreshes last-used")
}

func TestPool_DisconnectedProbe(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	l1 := f.acquire(t, key)
	l1.Done()
	l1.Conn.(*transporttest.Conn).Disconnect()

	l2 := f.acquire(t, key)
	assert.True(t, l2.Fresh)
	assert.Equal(t, int64(1), f.pool.Stats().EvictedDead)
}

type panicConn struct{ *transporttest.Conn }

func (panicConn) Connected() bool { panic("probe exploded") }

func TestPool_ProbePanicTreatedAsDead(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	dials := 0
	connect := func(ctx context.Context) (transport.Conn, error) {
		dials++
		c, err := f.dialer.Dial(ctx, key, transport.Credentials{})
		if err != nil {
			return nil, err
		}
		if dials == 1 {
			return panicConn{c.(*transporttest.Conn)}, nil
		}
		return c, nil
	}

	l1, err := f.pool.Acquire(context.Background(), key, connect)
	require.NoError(t, err)
	l1.Done()

	l2, err := f.pool.Acquire(context.Background(), key, connect)
	require.NoError(t, err)
	assert.True(t, l2.Fresh)
	assert.Equal(t, 2, dials)
}

func TestPool_DialErrorNotPooled(t *testing.T) {
	f := newFixture(t)
	key := baseKey()
	f.network.FailDials(fmt.Errorf("logon failure"))

	_, err := f.pool.Acquire(context.Background(), key, f.connector(key))
	require.Error(t, err)
	assert.Equal(t, 0, f.pool.Len())

	lease := f.acquire(t, key)
	assert.True(t, lease.Fresh)
	assert.Equal(t, int64(1), f.pool.Stats().DialErrors)
}

func TestPool_EvictAllIdempotent(t *testing.T) {
	f := newFixture(t)

	f.acquire(t, baseKey()).Done()
	k2 := baseKey()
	k2.Share = "backup"
	f.acquire(t, k2).Done()

	assert.Equal(t, 2, f.pool.EvictAll())
	assert.Equal(t, 0, f.pool.EvictAll())
	assert.NotPanics(t, func() { f.pool.EvictAll() })

	f.pool.Drain()
	assert.Equal(t, 0, f.network.Open())
	assert.Equal(t, 0, f.pool.Len())
}

func TestPool_EvictIdleSkipsLeased(t *testing.T) {
	f := newFixture(t)

	idle := f.acquire(t, baseKey())
	idle.Done()

	k2 := baseKey()
	k2.Share = "backup"
	busy := f.acquire(t, k2)

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.pool.EvictIdle(DefaultConfig().IdleTimeout))
	assert.True(t, f.pool.Contains(k2, busy.Conn))
	assert.False(t, f.pool.Contains(baseKey(), idle.Conn))

	busy.Done()
}

func TestPool_InvalidateOnlyCurrent(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	old := f.acquire(t, key)
	old.Done()
	f.pool.Release(key)

	current := f.acquire(t, key)
	f.pool.Invalidate(key, old.Conn)
	assert.True(t, f.pool.Contains(key, current.Conn), "stale invalidate must not evict the newer connection")

	current.Discard()
	assert.False(t, f.pool.Contains(key, current.Conn))
}

func TestPool_CloseErrorsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.network.SetCloseError(fmt.Errorf("close: broken pipe"))

	f.acquire(t, baseKey()).Done()
	assert.NotPanics(t, func() {
		f.pool.Release(baseKey())
		f.pool.Drain()
	})
	assert.Equal(t, int64(1), f.pool.Stats().CloseErrors)
}

func TestPool_ConcurrentAcquireDialsOnce(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	var dials atomic.Int32
	release := make(chan struct{})
	connect := func(ctx context.Context) (transport.Conn, error) {
		dials.Add(1)
		<-release
		return f.dialer.Dial(ctx, key, transport.Credentials{})
	}

	var wg sync.WaitGroup
	conns := make([]transport.Conn, 20)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := f.pool.Acquire(context.Background(), key, connect)
			if err == nil {
				conns[i] = lease.Conn
				lease.Done()
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestPool_AcquireHonoursContextWhileWaiting(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	block := make(chan struct{})
	go func() {
		_, _ = f.pool.Acquire(context.Background(), key, func(ctx context.Context) (transport.Conn, error) {
			<-block
			return f.dialer.Dial(ctx, key, transport.Credentials{})
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.pool.Acquire(ctx, key, f.connector(key))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestPool_EvictAllDoesNotWaitForDial(t *testing.T) {
	f := newFixture(t)
	key := baseKey()

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.pool.Acquire(context.Background(), key, func(ctx context.Context) (transport.Conn, error) {
			<-block
			return f.dialer.Dial(ctx, key, transport.Credentials{})
		})
	}()
	time.Sleep(10 * time.Millisecond)

	finished := make(chan struct{})
	go func() {
		f.pool.EvictAll()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("EvictAll blocked on an in-progress connect")
	}
	close(block)
	<-done
}

func TestPool_Janitor(t *testing.T) {
	network := transporttest.NewNetwork()
	network.AddServer("nas", "media", transporttest.NewServer())
	dialer, _ := network.Factory()(transport.Profile{})

	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Millisecond
	cfg.JanitorInterval = 5 * time.Millisecond
	p := New(cfg)
	p.StartJanitor(context.Background())

	key := baseKey()
	lease, err := p.Acquire(context.Background(), key, func(ctx context.Context) (transport.Conn, error) {
		return dialer.Dial(ctx, key, transport.Credentials{})
	})
	require.NoError(t, err)
	lease.Done()

	assert.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close())
	assert.Equal(t, 0, network.Open())
}

type countingCloser struct{ n *atomic.Int64 }

func (c countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func TestCloser_EnqueueRacingShutdown(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		queue   int
	}{
		{"queued", 2, 64},
		{"overflow", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCloser(tt.workers, tt.queue, slog.Default())
			var closed atomic.Int64
			const producers, each = 8, 50

			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < producers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					for j := 0; j < each; j++ {
						c.enqueue(countingCloser{&closed})
					}
				}()
			}
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				c.drain()
			}()
			go func() {
				defer wg.Done()
				<-start
				c.shutdown()
			}()

			assert.NotPanics(t, func() {
				close(start)
				wg.Wait()
				c.drain()
			})
			assert.Equal(t, int64(producers*each), closed.Load())
			assert.Equal(t, int64(producers*each), c.closedCount.Load())
		})
	}
}

func TestPool_DiscardDuringClose(t *testing.T) {
	f := newFixture(t)
	leases := make([]*Lease, 0, 10)
	for i := 0; i < 10; i++ {
		key := baseKey()
		key.Username = fmt.Sprintf("user%d", i)
		leases = append(leases, f.acquire(t, key))
	}

	var wg sync.WaitGroup
	for _, l := range leases {
		wg.Add(1)
		go func(l *Lease) {
			defer wg.Done()
			l.Discard()
		}(l)
	}
	require.NoError(t, f.pool.Close())
	wg.Wait()
	f.pool.Drain()

	assert.Equal(t, 0, f.pool.Len())
	assert.Equal(t, int64(10), f.pool.Stats().Closed)
}
