// Package smb is the SMB2/3 transport, built on go-smb2 with NTLM authentication.
package smb

import (
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// NewFactory returns a factory building one Dialer per timeout profile.
func NewFactory(logger *slog.Logger) transport.Factory {
	return func(profile transport.Profile) (transport.Dialer, error) {
		return NewDialer(profile, logger), nil
	}
}

// Dialer opens SMB sessions with one timeout profile.
type Dialer struct {
	profile transport.Profile
	net     net.Dialer
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewDialer creates a dialer.
func NewDialer(profile transport.Profile, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		profile: profile,
		net:     net.Dialer{KeepAlive: 30 * time.Second},
		logger:  logger.With("component", "smb", "profile", profile.Name),
	}
}

func (d *Dialer) Profile() transport.Profile { return d.profile }

// Close stops the dialer from opening new sessions. Sessions it already
// opened belong to the pool and are closed there.
func (d *Dialer) Close() error {
	d.closed.Store(true)
	return nil
}

// Dial connects, authenticates and mounts key.Share. An empty share yields a
// session that can only enumerate shares.
func (d *Dialer) Dial(ctx context.Context, key transport.Key, creds transport.Credentials) (transport.Conn, error) {
	if d.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeConnectionReset, "dialer was reset").WithComponent("smb")
	}

	dctx, cancel := context.WithTimeout(ctx, d.profile.ConnectTimeout)
	defer cancel()

	tcp, err := d.net.DialContext(dctx, "tcp", key.Address())
	if err != nil {
		return nil, Classify(err).WithContext("server", key.Address())
	}

	sd := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     creds.Username,
			Password: creds.Password,
			Domain:   creds.Domain,
		},
	}
	sess, err := sd.DialContext(dctx, tcp)
	if err != nil {
		_ = tcp.Close()
		return nil, Classify(err).WithContext("server", key.Address())
	}

	c := &Conn{
		key:     key,
		tcp:     tcp,
		session: sess,
		timeout: d.profile.ReadTimeout,
		logger:  d.logger,
	}
	if key.Share != "" {
		share, err := sess.WithContext(dctx).Mount(key.Share)
		if err != nil {
			_ = c.Close()
			ce := Classify(err)
			if ce.Code == errors.ErrCodeNotFound {
				ce.WithContext("kind", "share")
			}
			return nil, ce
		}
		c.share = share
	}
	d.logger.Debug("session established", "key", key.String())
	return c, nil
}

// Conn is one authenticated session with a mounted share.
type Conn struct {
	key     transport.Key
	tcp     net.Conn
	session *smb2.Session
	share   *smb2.Share
	timeout time.Duration
	logger  *slog.Logger

	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Connected reports whether no transport-level failure has been seen.
func (c *Conn) Connected() bool {
	return !c.broken.Load()
}

// check classifies err and marks the session broken on transport failures.
// A failure caused by the caller's own ctx ending leaves the session intact.
func (c *Conn) check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	ce := Classify(err)
	if breaksSession(ce) && ctx.Err() == nil {
		c.broken.Store(true)
	}
	return ce
}

// fs returns the share bound to a per-operation timeout.
func (c *Conn) fs(ctx context.Context) (*smb2.Share, context.CancelFunc, error) {
	if c.share == nil {
		return nil, nil, errors.NewError(errors.ErrCodeInvalidArgument, "no share mounted").WithComponent("smb")
	}
	octx, cancel := context.WithTimeout(ctx, c.timeout)
	return c.share.WithContext(octx), cancel, nil
}

// smbPath converts a share-relative path to go-smb2 form; the root is "".
func smbPath(p string) string {
	p = transport.Clean(p)
	if p == "." {
		return ""
	}
	return strings.ReplaceAll(p, "/", `\`)
}

func toEntry(dir string, fi os.FileInfo) transport.Entry {
	return transport.Entry{
		Name:    fi.Name(),
		Path:    transport.Join(dir, fi.Name()),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}

func (c *Conn) ReadDir(ctx context.Context, dir string) ([]transport.Entry, error) {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	dir = transport.Clean(dir)
	infos, err := fs.ReadDir(smbPath(dir))
	if err != nil {
		return nil, c.check(ctx, err)
	}
	out := make([]transport.Entry, 0, len(infos))
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		out = append(out, toEntry(dir, fi))
	}
	return out, nil
}

func (c *Conn) Stat(ctx context.Context, name string) (transport.Entry, error) {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return transport.Entry{}, err
	}
	defer cancel()

	name = transport.Clean(name)
	fi, err := fs.Stat(smbPath(name))
	if err != nil {
		return transport.Entry{}, c.check(ctx, err)
	}
	e := toEntry(transport.Dir(name), fi)
	e.Path = name
	if name == "." {
		e.Name = "."
	}
	return e, nil
}

func (c *Conn) Remove(ctx context.Context, name string) error {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.check(ctx, fs.Remove(smbPath(name)))
}

func (c *Conn) RemoveAll(ctx context.Context, name string) error {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	// RemoveAll reports success for a missing path; callers expect NotFound
	if _, err := fs.Stat(smbPath(name)); err != nil {
		return c.check(ctx, err)
	}
	return c.check(ctx, fs.RemoveAll(smbPath(name)))
}

func (c *Conn) Rename(ctx context.Context, from, to string) error {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.check(ctx, fs.Rename(smbPath(from), smbPath(to)))
}

func (c *Conn) MkdirAll(ctx context.Context, dir string) error {
	fs, cancel, err := c.fs(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.check(ctx, fs.MkdirAll(smbPath(dir), 0o755))
}

// ListShares enumerates share names over the IPC$ pipe.
func (c *Conn) ListShares(ctx context.Context) ([]string, error) {
	octx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	names, err := c.session.WithContext(octx).ListSharenames()
	if err != nil {
		return nil, c.check(ctx, err)
	}
	return names, nil
}

// stream bounds a long transfer by inactivity rather than total time: every
// successful read or write pushes the deadline out by the read timeout.
type stream struct {
	conn    *Conn
	parent  context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	timeout time.Duration
	stalled atomic.Bool
}

func (c *Conn) newStream(ctx context.Context) (*stream, context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{conn: c, parent: ctx, cancel: cancel, timeout: c.timeout}
	s.timer = time.AfterFunc(c.timeout, func() {
		s.stalled.Store(true)
		cancel()
	})
	return s, sctx
}

func (s *stream) touch() {
	s.timer.Reset(s.timeout)
}

func (s *stream) fail(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if s.stalled.Load() {
		s.conn.broken.Store(true)
		return errors.NewError(errors.ErrCodeTimeout, "transfer stalled").WithComponent("smb").WithCause(err)
	}
	return s.conn.check(s.parent, err)
}

func (s *stream) stop() {
	s.timer.Stop()
	s.cancel()
}

type reader struct {
	*stream
	f *smb2.File
}

func (r *reader) Read(p []byte) (int, error) {
	r.touch()
	n, err := r.f.Read(p)
	return n, r.fail(err)
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	r.touch()
	n, err := r.f.ReadAt(p, off)
	return n, r.fail(err)
}

func (r *reader) Close() error {
	defer r.stop()
	return r.fail(r.f.Close())
}

func (c *Conn) Open(ctx context.Context, name string) (transport.File, error) {
	if c.share == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "no share mounted").WithComponent("smb")
	}
	s, sctx := c.newStream(ctx)
	f, err := c.share.WithContext(sctx).Open(smbPath(name))
	if err != nil {
		err = s.fail(err)
		s.stop()
		return nil, err
	}
	return &reader{stream: s, f: f}, nil
}

type writer struct {
	*stream
	f *smb2.File
}

func (w *writer) Write(p []byte) (int, error) {
	w.touch()
	n, err := w.f.Write(p)
	return n, w.fail(err)
}

func (w *writer) Close() error {
	defer w.stop()
	w.touch()
	return w.fail(w.f.Close())
}

// Create opens name for writing, truncating it. size is advisory.
func (c *Conn) Create(ctx context.Context, name string, size int64) (io.WriteCloser, error) {
	if c.share == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "no share mounted").WithComponent("smb")
	}
	s, sctx := c.newStream(ctx)
	f, err := c.share.WithContext(sctx).Create(smbPath(name))
	if err != nil {
		err = s.fail(err)
		s.stop()
		return nil, err
	}
	return &writer{stream: s, f: f}, nil
}

// Close unmounts, logs off and closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		var errs []error
		if c.share != nil {
			if err := c.share.WithContext(ctx).Umount(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.session.WithContext(ctx).Logoff(); err != nil {
			errs = append(errs, err)
		}
		if err := c.tcp.Close(); err != nil && !stderr.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.closeErr = stderr.Join(errs...)
		if c.closeErr != nil {
			c.logger.Debug("session close reported errors", "key", c.key.String(), "error", c.closeErr)
		}
	})
	return c.closeErr
}

// String identifies the session in logs.
func (c *Conn) String() string {
	return c.key.String()
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)
