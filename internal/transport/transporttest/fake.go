// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sharepool/sharepool/internal/transport"
)

// Hook runs before every connection operation. A non-nil error is returned
// from the operation unchanged. op is one of dial, readdir, stat, open, read,
// create, commit, remove, removeall, rename, mkdir, shares.
type Hook func(ctx context.Context, op string, key transport.Key, name string) error

type node struct {
	data []byte
	dir  bool
	mod  time.Time
}

// Server is one in-memory share.
type Server struct {
	mu    sync.Mutex
	nodes map[string]*node
	now   func() time.Time
}

// NewServer creates an empty share.
func NewServer() *Server {
	return &Server{
		nodes: map[string]*node{".": {dir: true}},
		now:   time.Now,
	}
}

// AddFile stores data at name, creating parent directories.
func (s *Server) AddFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = transport.Clean(name)
	s.mkdirAllLocked(transport.Dir(name))
	s.nodes[name] = &node{data: append([]byte(nil), data...), mod: s.now()}
}

// AddDir creates a directory and its parents.
func (s *Server) AddDir(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAllLocked(transport.Clean(name))
}

// Exists reports whether name is present.
func (s *Server) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[transport.Clean(name)]
	return ok
}

// Data returns a copy of a file's contents.
func (s *Server) Data(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[transport.Clean(name)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

func (s *Server) mkdirAllLocked(dir string) {
	for dir != "." {
		if _, ok := s.nodes[dir]; !ok {
			s.nodes[dir] = &node{dir: true, mod: s.now()}
		}
		dir = transport.Dir(dir)
	}
}

func (s *Server) children(dir string) []string {
	var out []string
	for name := range s.nodes {
		if name != "." && transport.Dir(name) == dir {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) entry(name string, n *node) transport.Entry {
	return transport.Entry{
		Name:    transport.Base(name),
		Path:    name,
		IsDir:   n.dir,
		Size:    int64(len(n.data)),
		ModTime: n.mod,
	}
}

func notExist(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
}

// Network routes dials to servers and records what happened.
type Network struct {
	mu       sync.Mutex
	servers  map[string]*Server
	shares   map[string][]string
	dialErrs []error
	hook     Hook
	conns    []*Conn

	dials         int
	dialsByName   map[string]int
	dialersBuilt  int
	dialersClosed int
	closeErr      error
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		servers:     make(map[string]*Server),
		shares:      make(map[string][]string),
		dialsByName: make(map[string]int),
	}
}

// AddServer registers srv under server/share.
func (n *Network) AddServer(server, share string, srv *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[server+"/"+share] = srv
	n.shares[server] = append(n.shares[server], share)
}

// FailDials queues errors returned by the next dials, in order.
func (n *Network) FailDials(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialErrs = append(n.dialErrs, errs...)
}

// SetHook installs an operation hook.
func (n *Network) SetHook(h Hook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hook = h
}

// SetCloseError makes every Conn.Close return err.
func (n *Network) SetCloseError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeErr = err
}

// Dials returns the number of successful and failed dial attempts.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// DialsWithProfile returns dial attempts made through the named profile.
func (n *Network) DialsWithProfile(profile string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialsByName[profile]
}

// DialersBuilt returns how many dialers the factory created.
func (n *Network) DialersBuilt() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialersBuilt
}

// DialersClosed returns how many dialers were closed.
func (n *Network) DialersClosed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialersClosed
}

// Conns returns every connection ever dialed.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// Open returns the number of connections not yet closed.
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, c := range n.conns {
		if c.CloseCount() == 0 {
			open++
		}
	}
	return open
}

func (n *Network) runHook(ctx context.Context, op string, key transport.Key, name string) error {
	n.mu.Lock()
	h := n.hook
	n.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, key, name)
}

// Factory returns a transport.Factory producing dialers on this network.
func (n *Network) Factory() transport.Factory {
	return func(profile transport.Profile) (transport.Dialer, error) {
		n.mu.Lock()
		n.dialersBuilt++
		n.mu.Unlock()
		return &Dialer{net: n, profile: profile}, nil
	}
}

// Dialer is a fake transport.Dialer.
type Dialer struct {
	net     *Network
	profile transport.Profile
}

func (d *Dialer) Profile() transport.Profile { return d.profile }

func (d *Dialer) Close() error {
	d.net.mu.Lock()
	d.net.dialersClosed++
	d.net.mu.Unlock()
	return nil
}

func (d *Dialer) Dial(ctx context.Context, key transport.Key, creds transport.Credentials) (transport.Conn, error) {
	n := d.net
	n.mu.Lock()
	n.dials++
	n.dialsByName[d.profile.Name]++
	var err error
	if len(n.dialErrs) > 0 {
		err = n.dialErrs[0]
		n.dialErrs = n.dialErrs[1:]
	}
	srv := n.servers[key.Resource()]
	n.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := n.runHook(ctx, "dial", key, ""); err != nil {
		return nil, err
	}
	if srv == nil && key.Share != "" {
		return nil, notExist("mount", key.Share)
	}

	c := &Conn{net: n, srv: srv, key: key, Profile: d.profile.Name}
	c.connected = true
	n.mu.Lock()
	c.ID = len(n.conns) + 1
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	return c, nil
}

// Conn is a fake transport.Conn.
type Conn struct {
	ID      int
	Profile string

	net *Network
	srv *Server
	key transport.Key

	mu         sync.Mutex
	connected  bool
	closeCount int
}

// Disconnect makes Connected report false.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.closeCount == 0
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCount++
	c.connected = false
	c.mu.Unlock()

	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.closeErr
}

func (c *Conn) hook(ctx context.Context, op, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.net.runHook(ctx, op, c.key, name); err != nil {
		return err
	}
	if c.srv == nil && op != "shares" {
		// IPC session with no share mounted
		return notExist(op, name)
	}
	return nil
}

func (c *Conn) ReadDir(ctx context.Context, dir string) ([]transport.Entry, error) {
	dir = transport.Clean(dir)
	if err := c.hook(ctx, "readdir", dir); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[dir]
	if !ok {
		return nil, notExist("readdir", dir)
	}
	if !n.dir {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: fmt.Errorf("not a directory")}
	}
	var out []transport.Entry
	for _, name := range s.children(dir) {
		out = append(out, s.entry(name, s.nodes[name]))
	}
	return out, nil
}

func (c *Conn) Stat(ctx context.Context, name string) (transport.Entry, error) {
	name = transport.Clean(name)
	if err := c.hook(ctx, "stat", name); err != nil {
		return transport.Entry{}, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[name]
	if !ok {
		return transport.Entry{}, notExist("stat", name)
	}
	return s.entry(name, n), nil
}

// file does not embed the reader so io.Copy cannot bypass the hook via WriteTo.
type file struct {
	r    *bytes.Reader
	c    *Conn
	ctx  context.Context
	name string
}

func (f *file) Read(p []byte) (int, error) {
	if err := f.c.hook(f.ctx, "read", f.name); err != nil {
		return 0, err
	}
	return f.r.Read(p)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := f.c.hook(f.ctx, "read", f.name); err != nil {
		return 0, err
	}
	return f.r.ReadAt(p, off)
}

func (f *file) Close() error { return nil }

func (c *Conn) Open(ctx context.Context, name string) (transport.File, error) {
	name = transport.Clean(name)
	if err := c.hook(ctx, "open", name); err != nil {
		return nil, err
	}
	data, ok := c.srv.Data(name)
	if !ok {
		return nil, notExist("open", name)
	}
	return &file{r: bytes.NewReader(data), c: c, ctx: ctx, name: name}, nil
}

type writer struct {
	buf  bytes.Buffer
	c    *Conn
	ctx  context.Context
	name string
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	if err := w.c.hook(w.ctx, "commit", w.name); err != nil {
		return err
	}
	w.c.srv.AddFile(w.name, w.buf.Bytes())
	return nil
}

func (c *Conn) Create(ctx context.Context, name string, size int64) (io.WriteCloser, error) {
	name = transport.Clean(name)
	if err := c.hook(ctx, "create", name); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	parent, ok := s.nodes[transport.Dir(name)]
	s.mu.Unlock()
	if !ok || !parent.dir {
		return nil, notExist("create", name)
	}
	return &writer{c: c, ctx: ctx, name: name}, nil
}

func (c *Conn) Remove(ctx context.Context, name string) error {
	name = transport.Clean(name)
	if err := c.hook(ctx, "remove", name); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[name]; !ok {
		return notExist("remove", name)
	}
	if len(s.children(name)) > 0 {
		return &os.PathError{Op: "remove", Path: name, Err: fmt.Errorf("directory not empty")}
	}
	delete(s.nodes, name)
	return nil
}

func (c *Conn) RemoveAll(ctx context.Context, name string) error {
	name = transport.Clean(name)
	if err := c.hook(ctx, "removeall", name); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[name]; !ok {
		return notExist("removeall", name)
	}
	for p := range s.nodes {
		if p == name || strings.HasPrefix(p, name+"/") {
			delete(s.nodes, p)
		}
	}
	return nil
}

func (c *Conn) Rename(ctx context.Context, from, to string) error {
	from, to = transport.Clean(from), transport.Clean(to)
	if err := c.hook(ctx, "rename", from); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[from]; !ok {
		return notExist("rename", from)
	}
	if _, ok := s.nodes[to]; ok {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: os.ErrExist}
	}
	if p, ok := s.nodes[transport.Dir(to)]; !ok || !p.dir {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: os.ErrNotExist}
	}
	moved := make(map[string]*node)
	for p, n := range s.nodes {
		if p == from || strings.HasPrefix(p, from+"/") {
			moved[to+strings.TrimPrefix(p, from)] = n
			delete(s.nodes, p)
		}
	}
	for p, n := range moved {
		s.nodes[p] = n
	}
	return nil
}

func (c *Conn) MkdirAll(ctx context.Context, dir string) error {
	dir = transport.Clean(dir)
	if err := c.hook(ctx, "mkdir", dir); err != nil {
		return err
	}
	c.srv.AddDir(dir)
	return nil
}

func (c *Conn) ListShares(ctx context.Context) ([]string, error) {
	if err := c.hook(ctx, "shares", ""); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return append([]string(nil), c.net.shares[c.key.Server]...), nil
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)
