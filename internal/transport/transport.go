// Package transport defines the protocol adapter contract shared by the
// SMB and S3 backends and the connection key that identifies a pooled session.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

// Protocol names a remote file protocol. Each protocol has its own admission ceiling.
type Protocol string

const (
	ProtocolSMB  Protocol = "smb"
	ProtocolSFTP Protocol = "sftp"
	ProtocolFTP  Protocol = "ftp"
	ProtocolS3   Protocol = "s3"
)

// Key identifies a remote endpoint and identity. Comparison is exact on every
// field; case is preserved as supplied.
type Key struct {
	Protocol Protocol
	Server   string
	Port     int
	Share    string
	Username string
	Domain   string
}

// Address returns host:port.
func (k Key) Address() string {
	return net.JoinHostPort(k.Server, strconv.Itoa(k.Port))
}

// Resource returns the server/share pair used by the degradation signal.
func (k Key) Resource() string {
	return k.Server + "/" + k.Share
}

func (k Key) String() string {
	user := k.Username
	if k.Domain != "" {
		user = k.Domain + `\` + user
	}
	return fmt.Sprintf("%s://%s@%s/%s", k.Protocol, user, k.Address(), k.Share)
}

// Credentials authenticate one session.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// Entry describes one remote file or directory.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_directory"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"-"`
}

// LastModifiedMs returns the modification time as epoch milliseconds.
func (e Entry) LastModifiedMs() int64 {
	if e.ModTime.IsZero() {
		return 0
	}
	return e.ModTime.UnixMilli()
}

// Hidden reports whether the entry name starts with a dot.
func (e Entry) Hidden() bool {
	return strings.HasPrefix(e.Name, ".")
}

// Profile is a set of timeouts. Dialers are built once per profile.
type Profile struct {
	Name           string        `yaml:"-" json:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
}

const (
	ProfileNormal   = "normal"
	ProfileDegraded = "degraded"
)

// File is an open remote file.
type File interface {
	io.ReadCloser
	io.ReaderAt
}

// Aborter is implemented by writers that stage data and commit it on Close.
// Abort releases the staged data without committing it.
type Aborter interface {
	Abort() error
}

// Abort discards a partially written file. Writers that cannot abort are closed.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// Conn is one authenticated session bound to a share or bucket.
type Conn interface {
	// Connected is a cheap local liveness probe; it performs no I/O.
	Connected() bool

	ReadDir(ctx context.Context, dir string) ([]Entry, error)
	Stat(ctx context.Context, name string) (Entry, error)
	Open(ctx context.Context, name string) (File, error)
	// Create truncates or creates name. size is a hint and may be -1.
	Create(ctx context.Context, name string, size int64) (io.WriteCloser, error)
	Remove(ctx context.Context, name string) error
	RemoveAll(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	MkdirAll(ctx context.Context, dir string) error
	ListShares(ctx context.Context) ([]string, error)

	Close() error
}

// Dialer establishes sessions with one timeout profile.
type Dialer interface {
	Dial(ctx context.Context, key Key, creds Credentials) (Conn, error)
	Profile() Profile
	Close() error
}

// Clean normalises a share-relative path to slash form without leading or
// trailing separators. The share root is ".".
func Clean(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

// Join joins share-relative path elements.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Base returns the last element of a share-relative path.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Dir returns the parent of a share-relative path.
func Dir(p string) string {
	return Clean(path.Dir(Clean(p)))
}
