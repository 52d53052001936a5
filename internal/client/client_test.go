package client

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/config"
	"github.com/sharepool/sharepool/internal/credentials"
	"github.com/sharepool/sharepool/internal/degrade"
	"github.com/sharepool/sharepool/internal/metrics"
	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/internal/transport/transporttest"
	"github.com/sharepool/sharepool/pkg/errors"
	"github.com/sharepool/sharepool/pkg/health"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	net    *transporttest.Network
	media  *transporttest.Server
	clock  *fakeClock
	cfg    *config.Configuration
	client *Client
}

var mediaEP = Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Share: "media"}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Pool.JanitorInterval = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Retry.Jitter = false
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Configuration), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		net:   transporttest.NewNetwork(),
		media: transporttest.NewServer(),
		clock: newFakeClock(),
		cfg:   testConfig(),
	}
	f.net.AddServer("nas", "media", f.media)
	if mutate != nil {
		mutate(f.cfg)
	}

	all := append([]Option{
		WithTransport(transport.ProtocolSMB, f.net.Factory()),
		WithClock(f.clock.Now),
	}, opts...)
	c, err := New(f.cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	f.client = c
	return f
}

// failN fails the first n calls of op with err.
func failN(op string, n int64, err error) transporttest.Hook {
	var seen atomic.Int64
	return func(_ context.Context, got string, _ transport.Key, _ string) error {
		if got == op && seen.Add(1) <= n {
			return err
		}
		return nil
	}
}

func names(entries []transport.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Health.WarningThreshold = 10
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestFreshConnectThenReuse(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("a.mkv", []byte("a"))
	ctx := context.Background()

	_, err := f.client.List(ctx, mediaEP, "/")
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.Dials())
	assert.Equal(t, 1, f.client.Pool().Len())

	f.clock.Advance(10 * time.Second)
	_, err = f.client.List(ctx, mediaEP, "/")
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.Dials(), "second list must reuse the pooled session")
	assert.Equal(t, int64(1), f.client.Stats().Pool.Hits)
}

func TestStaleEviction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)

	f.clock.Advance(f.cfg.Pool.IdleTimeout + time.Second)
	_, err = f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)

	assert.Equal(t, 2, f.net.Dials())
	f.client.Pool().Drain()
	conns := f.net.Conns()
	require.Len(t, conns, 2)
	assert.Equal(t, 1, conns[0].CloseCount())
	assert.Equal(t, 0, conns[1].CloseCount())
}

func TestPoolKeyEquality(t *testing.T) {
	creds := credentials.NewMemory()
	require.NoError(t, creds.Set("nas", "", transport.Credentials{Username: "alice"}))
	require.NoError(t, creds.Set("nas", "photos", transport.Credentials{Username: "bob"}))

	f := newFixture(t, nil, WithCredentials(creds))
	f.net.AddServer("nas", "photos", transporttest.NewServer())
	ctx := context.Background()

	endpoints := []Endpoint{
		mediaEP,
		mediaEP,
		{Protocol: transport.ProtocolSMB, Server: "nas", Port: 445, Share: "media"},
		{Protocol: transport.ProtocolSMB, Server: "nas", Port: 1445, Share: "media"},
		{Protocol: transport.ProtocolSMB, Server: "nas", Share: "photos"},
	}
	for _, ep := range endpoints {
		_, err := f.client.List(ctx, ep, ".")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.net.Dials())
	assert.Equal(t, 3, f.client.Pool().Len())

	for _, c := range f.net.Conns() {
		require.Equal(t, 0, c.CloseCount())
	}

	alice := mediaEP.key(transport.Credentials{Username: "alice"})
	assert.Equal(t, alice, Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Port: 445, Share: "media"}.
		key(transport.Credentials{Username: "alice"}))
	assert.NotEqual(t, alice, mediaEP.key(transport.Credentials{Username: "alice", Domain: "CORP"}))
	assert.NotEqual(t, alice, mediaEP.key(transport.Credentials{Username: "Alice"}))
}

func TestAdmissionBound(t *testing.T) {
	const ceiling = 2
	const callers = 8

	var inFlight, peak atomic.Int64
	release := make(chan struct{})

	f := newFixture(t, func(cfg *config.Configuration) {
		cfg.Gate.Ceilings[transport.ProtocolSMB] = ceiling
	})
	for i := 0; i < callers; i++ {
		f.net.AddServer("nas", fmt.Sprintf("s%d", i), transporttest.NewServer())
	}
	f.net.SetHook(func(ctx context.Context, op string, _ transport.Key, _ string) error {
		if op != "dial" {
			return nil
		}
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		ep := Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Share: fmt.Sprintf("s%d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.client.List(context.Background(), ep, ".")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return f.client.gate.Waiting(transport.ProtocolSMB) == callers-ceiling
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(ceiling), f.client.gate.InFlight(transport.ProtocolSMB))

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(ceiling))
	assert.Equal(t, int64(ceiling), f.client.gate.Peak(transport.ProtocolSMB))
	assert.Equal(t, int64(0), f.client.gate.InFlight(transport.ProtocolSMB))
}

func TestEvictAllIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err)

	assert.Equal(t, 1, f.client.Pool().EvictAll())
	assert.NotPanics(t, func() {
		assert.Equal(t, 0, f.client.Pool().EvictAll())
	})
	f.client.ForceFullReset()
	f.client.ForceFullReset()
	assert.Equal(t, 0, f.client.Pool().Len())
}

func TestHealthResetOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tracker := f.client.Tracker()

	// two failing calls, each with its retry: four failures, one short of critical
	f.net.SetHook(failN("readdir", 4, os.ErrDeadlineExceeded))
	for i := 0; i < 2; i++ {
		_, err := f.client.List(ctx, mediaEP, ".")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeTimeout, errors.CodeOf(err))
	}
	assert.Equal(t, 4, tracker.Failures())
	assert.Equal(t, health.StateWarning, tracker.State())

	_, err := f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)
	assert.Equal(t, 0, tracker.Failures())
	assert.Equal(t, health.StateHealthy, tracker.State())

	f.net.SetHook(failN("readdir", 2, os.ErrDeadlineExceeded))
	_, err = f.client.List(ctx, mediaEP, ".")
	require.Error(t, err)
	assert.Equal(t, 2, tracker.Failures())
	assert.Equal(t, int64(0), tracker.Escalations(), "no critical escalation after the counter was reset")
}

func TestCriticalEscalation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tracker := f.client.Tracker()

	var escalations []health.Reason
	tracker.AddEscalationCallback(func(r health.Reason) { escalations = append(escalations, r) })

	f.net.SetHook(failN("readdir", 5, os.ErrDeadlineExceeded))
	_, err := f.client.List(ctx, mediaEP, ".")
	require.Error(t, err)
	_, err = f.client.List(ctx, mediaEP, ".")
	require.Error(t, err)

	// the fifth failure escalates and the retry on a rebuilt client succeeds
	_, err = f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)

	assert.Equal(t, int64(1), tracker.Escalations())
	assert.Equal(t, []health.Reason{health.ReasonCriticalThreshold}, escalations)
	assert.Equal(t, 0, tracker.Failures())
	assert.GreaterOrEqual(t, f.net.DialersClosed(), 1, "transport clients are recreated")
	assert.Greater(t, f.net.DialsWithProfile(transport.ProfileDegraded), 0,
		"warning tier switches fresh connects to the degraded profile")
}

func TestCriticalTransportOnFreshConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.net.FailDials(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNRESET})

	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err, "retried on a fresh connection after the reset")
	assert.Equal(t, int64(1), f.client.Tracker().Escalations())
	assert.Equal(t, 2, f.net.Dials())
}

func TestIdleRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tracker := f.client.Tracker()

	f.net.SetHook(failN("readdir", 2, os.ErrDeadlineExceeded))
	_, err := f.client.List(ctx, mediaEP, ".")
	require.Error(t, err)
	require.Equal(t, 2, tracker.Failures())
	closedBefore := f.net.DialersClosed()

	f.clock.Advance(f.cfg.Health.IdleRecoveryWindow + time.Second)

	var reasons []health.Reason
	tracker.AddEscalationCallback(func(r health.Reason) { reasons = append(reasons, r) })

	_, err = f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)
	assert.Equal(t, []health.Reason{health.ReasonIdleRecovery}, reasons)
	assert.Equal(t, 0, tracker.Failures())
	assert.Greater(t, f.net.DialersClosed(), closedBefore)
}

func TestCancellationPassthrough(t *testing.T) {
	tests := []struct {
		name    string
		context func() (context.Context, context.CancelFunc)
		// readdir runs inside the transport call once ctx is live
		readdir func(ctx context.Context, cancel context.CancelFunc) error
		want    error
	}{
		{
			name:    "caller cancel",
			context: func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			readdir: func(_ context.Context, cancel context.CancelFunc) error {
				cancel()
				return context.Canceled
			},
			want: context.Canceled,
		},
		{
			name: "caller deadline mid-request",
			context: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 30*time.Millisecond)
			},
			readdir: func(ctx context.Context, _ context.CancelFunc) error {
				<-ctx.Done()
				return errors.NewError(errors.ErrCodeTimeout, "operation timed out").WithCause(ctx.Err())
			},
			want: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.client.List(context.Background(), mediaEP, ".")
			require.NoError(t, err)
			conn := f.net.Conns()[0]

			ctx, cancel := tt.context()
			defer cancel()
			f.net.SetHook(func(hctx context.Context, op string, _ transport.Key, _ string) error {
				if op == "readdir" {
					return tt.readdir(hctx, cancel)
				}
				return nil
			})

			_, err = f.client.List(ctx, mediaEP, ".")
			require.Error(t, err)
			assert.True(t, stderr.Is(err, tt.want), "got %v", err)
			var classified *errors.Error
			assert.False(t, stderr.As(err, &classified), "cancellation is not converted into a classified error")

			assert.True(t, f.client.Pool().Contains(mediaEP.key(transport.Credentials{}), conn))
			assert.Equal(t, 0, conn.CloseCount())
			assert.Equal(t, 0, f.client.Tracker().Failures())

			f.net.SetHook(nil)
			_, err = f.client.List(context.Background(), mediaEP, ".")
			require.NoError(t, err)
			assert.Equal(t, 1, f.net.Dials())
		})
	}
}

func TestCancelledWhileWaitingForPermit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Configuration) {
		cfg.Gate.Ceilings[transport.ProtocolSMB] = 1
	})
	release, err := f.client.gate.Acquire(context.Background(), transport.ProtocolSMB)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.client.List(ctx, mediaEP, ".")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.net.Dials())
}

func TestNonRetriableErrors(t *testing.T) {
	tests := []struct {
		name     string
		dialErr  error
		wantCode errors.ErrorCode
	}{
		{"authentication", errors.NewError(errors.ErrCodeAuthenticationFailed, "logon failure"), errors.ErrCodeAuthenticationFailed},
		{"unreachable", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, errors.ErrCodeUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.net.FailDials(tt.dialErr)

			_, err := f.client.List(context.Background(), mediaEP, ".")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
			assert.Equal(t, 1, f.net.Dials())
			assert.Equal(t, 0, f.client.Tracker().Failures())
		})
	}
}

func TestPathNotFoundKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.List(ctx, mediaEP, "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	var ce *errors.Error
	require.True(t, stderr.As(err, &ce))
	assert.Equal(t, "list", ce.Operation)
	assert.Equal(t, "missing", ce.Context["path"])
	assert.NotEmpty(t, ce.UserFacingMessage())

	_, err = f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.Dials())
}

func TestCredentialsMissing(t *testing.T) {
	f := newFixture(t, nil, WithCredentials(credentials.NewMemory()))
	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCredentialsMissing, errors.CodeOf(err))
	assert.Equal(t, 0, f.net.Dials())
}

func TestUnknownProtocol(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.List(context.Background(), Endpoint{Protocol: transport.ProtocolFTP, Server: "nas", Share: "media"}, ".")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestDegradedSignal(t *testing.T) {
	signal := degrade.Func(func(p transport.Protocol, resource string) bool {
		return resource == "nas/media"
	})
	f := newFixture(t, nil, WithSignal(signal))

	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.DialsWithProfile(transport.ProfileDegraded))
	assert.Equal(t, transport.ProfileDegraded, f.net.Conns()[0].Profile)
}

func TestBreakerDegradesEndpoint(t *testing.T) {
	f := newFixture(t, func(cfg *config.Configuration) {
		cfg.Client.DegradeOnWarning = false
	})
	ctx := context.Background()

	f.net.SetHook(failN("readdir", 2, os.ErrDeadlineExceeded))
	_, err := f.client.List(ctx, mediaEP, ".")
	require.Error(t, err)

	_, err = f.client.List(ctx, mediaEP, ".")
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.DialsWithProfile(transport.ProfileDegraded))
	assert.Equal(t, "OPEN", f.client.Stats().Endpoints["smb://nas/media"])
}

func TestPagedScan(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 100; i++ {
		f.media.AddFile(fmt.Sprintf("pics/f%03d.jpg", i), []byte{byte(i)})
	}
	f.media.AddFile("pics/.hidden.jpg", nil)
	f.media.AddFile("pics/notes.txt", nil)

	got, err := f.client.Scan(context.Background(), mediaEP, "pics", ScanOptions{
		Extensions: []string{"jpg"},
		Offset:     20,
		Limit:      10,
	})
	require.NoError(t, err)

	want := make([]string, 0, 10)
	for i := 20; i < 30; i++ {
		want = append(want, fmt.Sprintf("f%03d.jpg", i))
	}
	assert.Equal(t, want, names(got))
}

func TestScanVariants(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("a.mp4", nil)
	f.media.AddFile("b.txt", nil)
	f.media.AddFile("sub/c.mp4", nil)
	f.media.AddFile("sub/deeper/d.mp4", nil)
	f.media.AddFile(".cache/e.mp4", nil)
	ctx := context.Background()

	flat, err := f.client.Scan(ctx, mediaEP, ".", ScanOptions{Extensions: []string{"mp4"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4"}, names(flat))

	deep, err := f.client.Scan(ctx, mediaEP, ".", ScanOptions{Extensions: []string{"mp4"}, Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "c.mp4", "d.mp4"}, names(deep))

	limited, err := f.client.Scan(ctx, mediaEP, ".", ScanOptions{Extensions: []string{"mp4"}, Recursive: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "c.mp4"}, names(limited))

	n, err := f.client.Count(ctx, mediaEP, ".", []string{"mp4"}, true, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.client.Count(ctx, mediaEP, ".", []string{"mp4"}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.client.Scan(ctx, mediaEP, ".", ScanOptions{Offset: -1})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestListHidesDotEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile(".DS_Store", nil)
	f.media.AddFile("movie.mkv", []byte("12345"))
	f.media.AddDir("shows")

	entries, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "movie.mkv", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.True(t, entries[1].IsDir)
}

func TestReadRange(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("clip.bin", []byte("0123456789"))
	ctx := context.Background()

	t.Run("zero length makes no network call", func(t *testing.T) {
		b, err := f.client.ReadRange(ctx, mediaEP, "clip.bin", 0, 0)
		require.NoError(t, err)
		assert.NotNil(t, b)
		assert.Empty(t, b)
		assert.Equal(t, 0, f.net.Dials())
	})

	t.Run("middle", func(t *testing.T) {
		b, err := f.client.ReadRange(ctx, mediaEP, "clip.bin", 2, 4)
		require.NoError(t, err)
		assert.Equal(t, "2345", string(b))
	})

	t.Run("short at end of file", func(t *testing.T) {
		b, err := f.client.ReadRange(ctx, mediaEP, "clip.bin", 8, 10)
		require.NoError(t, err)
		assert.Equal(t, "89", string(b))
	})

	t.Run("negative", func(t *testing.T) {
		_, err := f.client.ReadRange(ctx, mediaEP, "clip.bin", -1, 4)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
	})
}

func TestRead(t *testing.T) {
	f := newFixture(t, nil)
	data := bytes.Repeat([]byte("sharepool"), 1000)
	f.media.AddFile("movies/big.mkv", data)

	var buf bytes.Buffer
	var last, total int64
	err := f.client.Read(context.Background(), mediaEP, "movies/big.mkv", &buf, 0, func(n, t int64) {
		last, total = n, t
	})
	require.NoError(t, err)
	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, int64(len(data)), total, "size looked up for progress")
	assert.Equal(t, int64(1), f.client.Stats().Buffers.Gets)
}

func TestReadRetriesBeforeFirstByte(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("a.txt", []byte("hello"))
	f.net.SetHook(failN("open", 1, os.ErrDeadlineExceeded))

	var buf bytes.Buffer
	require.NoError(t, f.client.Read(context.Background(), mediaEP, "a.txt", &buf, 5, nil))
	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, 2, f.net.Dials())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, stderr.New("disk full") }

func TestReadSinkFailureKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("a.txt", []byte("hello"))

	err := f.client.Read(context.Background(), mediaEP, "a.txt", failingWriter{}, 5, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknown, errors.CodeOf(err))
	assert.Equal(t, 1, f.client.Pool().Len())
	assert.Equal(t, 0, f.client.Tracker().Failures())
}

func TestWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.client.Write(ctx, mediaEP, "new/dir/file.txt", bytes.NewReader([]byte("v1")), 2, nil))
	got, ok := f.media.Data("new/dir/file.txt")
	require.True(t, ok)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, f.client.Write(ctx, mediaEP, "new/dir/file.txt", bytes.NewReader([]byte("version2")), -1, nil))
	got, _ = f.media.Data("new/dir/file.txt")
	assert.Equal(t, "version2", string(got), "write overwrites")
}

func TestWriteRetryRewindsSource(t *testing.T) {
	f := newFixture(t, nil)
	f.net.SetHook(failN("commit", 1, os.ErrDeadlineExceeded))

	require.NoError(t, f.client.Write(context.Background(), mediaEP, "f.txt", bytes.NewReader([]byte("payload")), 7, nil))
	got, _ := f.media.Data("f.txt")
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, 2, f.net.Dials())
}

func TestWriteWithoutRewindIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.net.SetHook(failN("commit", 1, os.ErrDeadlineExceeded))

	r := struct{ *bytes.Buffer }{bytes.NewBufferString("payload")}
	err := f.client.Write(context.Background(), mediaEP, "f.txt", r, 7, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTimeout, errors.CodeOf(err))
	assert.Equal(t, 1, f.net.Dials())
}

func TestDeleteAndRename(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("dir/a.txt", []byte("a"))
	f.media.AddFile("dir/sub/b.txt", []byte("b"))
	f.media.AddFile("c.txt", []byte("c"))
	ctx := context.Background()

	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(f.client.Delete(ctx, mediaEP, "/")))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(f.client.DeleteDirectoryRecursive(ctx, mediaEP, ".")))
	assert.Equal(t, 0, f.net.Dials())

	require.NoError(t, f.client.Delete(ctx, mediaEP, "c.txt"))
	assert.False(t, f.media.Exists("c.txt"))

	require.NoError(t, f.client.Rename(ctx, mediaEP, "dir/a.txt", "renamed.txt"))
	assert.True(t, f.media.Exists("dir/renamed.txt"))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(f.client.Rename(ctx, mediaEP, "dir/renamed.txt", "../x")))

	require.NoError(t, f.client.DeleteDirectoryRecursive(ctx, mediaEP, "dir"))
	assert.False(t, f.media.Exists("dir/sub/b.txt"))
	assert.False(t, f.media.Exists("dir"))
}

func TestExistsAndMetadata(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddFile("a.txt", []byte("abc"))
	ctx := context.Background()

	ok, err := f.client.Exists(ctx, mediaEP, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.client.Exists(ctx, mediaEP, "b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.client.Exists(ctx, Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Share: "nope"}, "a.txt")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	e, err := f.client.Metadata(ctx, mediaEP, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", e.Name)
	assert.Equal(t, int64(3), e.Size)
	assert.NotZero(t, e.LastModifiedMs())
}

func TestCheckWritable(t *testing.T) {
	f := newFixture(t, nil)
	f.media.AddDir("uploads")
	ctx := context.Background()

	ok, err := f.client.CheckWritable(ctx, mediaEP, "uploads")
	require.NoError(t, err)
	assert.True(t, ok)
	entries, err := f.client.List(ctx, mediaEP, "uploads")
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file removed")

	f.net.SetHook(func(_ context.Context, op string, _ transport.Key, _ string) error {
		if op == "create" {
			return os.ErrPermission
		}
		return nil
	})
	ok, err = f.client.CheckWritable(ctx, mediaEP, "uploads")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMove(t *testing.T) {
	backupEP := Endpoint{Protocol: transport.ProtocolSMB, Server: "backup-nas", Share: "archive"}
	ctx := context.Background()

	t.Run("same share renames", func(t *testing.T) {
		f := newFixture(t, nil)
		f.media.AddFile("a.mkv", []byte("movie"))
		f.media.AddDir("sorted")

		report, err := f.client.Move(ctx, mediaEP, "a.mkv", mediaEP, "sorted/a.mkv")
		require.NoError(t, err)
		assert.Equal(t, MoveRename, report.Method)
		assert.True(t, f.media.Exists("sorted/a.mkv"))
		assert.False(t, f.media.Exists("a.mkv"))
	})

	t.Run("rename failure falls back to copy", func(t *testing.T) {
		f := newFixture(t, nil)
		f.media.AddFile("a.mkv", []byte("movie"))
		f.net.SetHook(func(_ context.Context, op string, _ transport.Key, _ string) error {
			if op == "rename" {
				return os.ErrPermission
			}
			return nil
		})

		report, err := f.client.Move(ctx, mediaEP, "a.mkv", mediaEP, "sorted/a.mkv")
		require.NoError(t, err)
		assert.Equal(t, MoveCopy, report.Method)
		assert.Equal(t, int64(5), report.Bytes)
		assert.False(t, f.media.Exists("a.mkv"))
		got, _ := f.media.Data("sorted/a.mkv")
		assert.Equal(t, "movie", string(got))
	})

	t.Run("cross endpoint copy then delete", func(t *testing.T) {
		f := newFixture(t, nil)
		archive := transporttest.NewServer()
		f.net.AddServer("backup-nas", "archive", archive)
		data := bytes.Repeat([]byte{7}, memoryCopyLimit+1024)
		f.media.AddFile("big.iso", data)

		report, err := f.client.Move(ctx, mediaEP, "big.iso", backupEP, "isos/big.iso")
		require.NoError(t, err)
		assert.Equal(t, MoveCopy, report.Method)
		assert.Empty(t, report.Warnings)
		assert.False(t, f.media.Exists("big.iso"))
		got, _ := archive.Data("isos/big.iso")
		assert.Equal(t, data, got)
	})

	t.Run("copy failure leaves the source untouched", func(t *testing.T) {
		f := newFixture(t, nil)
		archive := transporttest.NewServer()
		f.net.AddServer("backup-nas", "archive", archive)
		f.media.AddFile("a.mkv", []byte("movie"))
		f.net.SetHook(func(_ context.Context, op string, key transport.Key, _ string) error {
			if op == "commit" && key.Server == "backup-nas" {
				return os.ErrPermission
			}
			return nil
		})

		_, err := f.client.Move(ctx, mediaEP, "a.mkv", backupEP, "a.mkv")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeAuthorizationFailed, errors.CodeOf(err))
		got, ok := f.media.Data("a.mkv")
		require.True(t, ok)
		assert.Equal(t, "movie", string(got))
		assert.False(t, archive.Exists("a.mkv"))
	})

	t.Run("failed source delete is a warning", func(t *testing.T) {
		f := newFixture(t, nil)
		archive := transporttest.NewServer()
		f.net.AddServer("backup-nas", "archive", archive)
		f.media.AddFile("a.mkv", []byte("movie"))
		f.net.SetHook(func(_ context.Context, op string, key transport.Key, _ string) error {
			if op == "remove" && key.Server == "nas" {
				return os.ErrPermission
			}
			return nil
		})

		report, err := f.client.Move(ctx, mediaEP, "a.mkv", backupEP, "a.mkv")
		require.NoError(t, err)
		require.Len(t, report.Warnings, 1)
		assert.Equal(t, WarnSourceDeleteFailed, report.Warnings[0].Code)
		assert.True(t, f.media.Exists("a.mkv"))
		assert.True(t, archive.Exists("a.mkv"))
	})

	t.Run("directories need a native rename", func(t *testing.T) {
		f := newFixture(t, nil)
		f.net.AddServer("backup-nas", "archive", transporttest.NewServer())
		f.media.AddFile("dir/a.mkv", nil)

		_, err := f.client.Move(ctx, mediaEP, "dir", backupEP, "dir")
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
		assert.True(t, f.media.Exists("dir/a.mkv"))
	})
}

func TestListShares(t *testing.T) {
	ctx := context.Background()

	t.Run("protocol enumeration", func(t *testing.T) {
		f := newFixture(t, nil)
		f.net.AddServer("nas", "IPC$", transporttest.NewServer())
		f.net.AddServer("nas", "backup", transporttest.NewServer())

		shares, err := f.client.ListShares(ctx, Endpoint{Protocol: transport.ProtocolSMB, Server: "nas"})
		require.NoError(t, err)
		assert.Equal(t, []string{"backup", "media"}, shares)
	})

	refuse := func(_ context.Context, op string, _ transport.Key, _ string) error {
		if op == "shares" {
			return os.ErrPermission
		}
		return nil
	}

	t.Run("probing disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		f.net.SetHook(refuse)
		_, err := f.client.ListShares(ctx, mediaEP)
		assert.Equal(t, errors.ErrCodeAuthorizationFailed, errors.CodeOf(err))
	})

	t.Run("probing common names", func(t *testing.T) {
		f := newFixture(t, func(cfg *config.Configuration) {
			cfg.Shares.ProbeCommonNames = true
			cfg.Shares.CommonNames = []string{"Public", "media", "homes"}
		})
		f.net.SetHook(refuse)

		shares, err := f.client.ListShares(ctx, mediaEP)
		require.NoError(t, err)
		assert.Equal(t, []string{"media"}, shares)
	})
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, nil)
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	f.net.FailDials(refused, refused)

	require.NoError(t, f.client.TestConnection(context.Background(), mediaEP))
	assert.Equal(t, 3, f.net.Dials())
}

func TestResetClients(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err)
	before := f.client.Stats().Clients[transport.ProtocolSMB]

	f.client.ResetClients()
	assert.Equal(t, 1, f.client.Pool().Len(), "pooled sessions survive a client reset")
	assert.Greater(t, f.client.Stats().Clients[transport.ProtocolSMB], before)
	assert.Equal(t, 1, f.net.DialersClosed())
}

func TestMetricsWiring(t *testing.T) {
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	f := newFixture(t, nil, WithMetrics(collector))
	f.media.AddFile("a.txt", []byte("hello"))

	var buf bytes.Buffer
	require.NoError(t, f.client.Read(context.Background(), mediaEP, "a.txt", &buf, 5, nil))

	m := collector.GetMetrics()["read"]
	assert.Equal(t, int64(1), m.Count)
	assert.Equal(t, int64(5), m.TotalBytes)
}

func TestClosedClient(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.List(context.Background(), mediaEP, ".")
	require.NoError(t, err)

	require.NoError(t, f.client.Close())
	assert.Equal(t, 0, f.net.Open())

	_, err = f.client.List(context.Background(), mediaEP, ".")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}
