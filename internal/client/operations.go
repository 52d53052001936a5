package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderr "errors"
	"fmt"
	"io"
	"strings"

	"github.com/sharepool/sharepool/internal/scan"
	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// MaxRangeLength caps a single ReadRange buffer.
const MaxRangeLength = 64 << 20

// ProgressFunc receives the bytes transferred so far and the expected total,
// or -1 when the total is unknown.
type ProgressFunc func(transferred, total int64)

// ScanOptions selects one of the traversal variants.
type ScanOptions struct {
	Extensions []string
	Patterns   []string
	Recursive  bool
	Limit      int
	Offset     int
	Progress   func(scan.Progress)
}

// localError marks a failure of the caller's sink or source rather than the
// remote side. It never counts against the connection.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func isLocal(err error) bool {
	var le *localError
	return stderr.As(err, &le)
}

func invalid(op string, ep Endpoint, path, msg string) *errors.Error {
	e := errors.NewError(errors.ErrCodeInvalidArgument, msg).
		WithComponent("client").
		WithOperation(op)
	if ep.Server != "" {
		e.WithContext("endpoint", ep.String())
	}
	if path != "" {
		e.WithContext("path", path)
	}
	return e
}

func visible(entries []transport.Entry) []transport.Entry {
	out := make([]transport.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Hidden() || e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, e)
	}
	return out
}

// List returns the non-hidden entries of dir.
func (c *Client) List(ctx context.Context, ep Endpoint, dir string) ([]transport.Entry, error) {
	dir = transport.Clean(dir)
	var out []transport.Entry
	err := c.do(ctx, operation{
		name: "list",
		ep:   ep,
		path: dir,
		fn: func(ctx context.Context, conn transport.Conn) error {
			entries, err := conn.ReadDir(ctx, dir)
			if err != nil {
				return err
			}
			out = visible(entries)
			for i := range out {
				if out[i].Path == "" {
					out[i].Path = transport.Join(dir, out[i].Name)
				}
			}
			return nil
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan walks dir and returns matching files. Recursive, Limit and Offset pick
// the traversal variant; filtering happens during the walk.
func (c *Client) Scan(ctx context.Context, ep Endpoint, dir string, opts ScanOptions) ([]transport.Entry, error) {
	dir = transport.Clean(dir)
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, invalid("scan", ep, dir, "offset and limit must be non-negative")
	}
	filter, err := scan.NewFilter(opts.Extensions, opts.Patterns)
	if err != nil {
		return nil, invalid("scan", ep, dir, err.Error())
	}

	var out []transport.Entry
	err = c.do(ctx, operation{
		name: "scan",
		ep:   ep,
		path: dir,
		fn: func(ctx context.Context, conn transport.Conn) error {
			var err error
			out, err = scan.Walk(ctx, conn.ReadDir, dir, filter, scan.Options{
				Recursive: opts.Recursive,
				Limit:     opts.Limit,
				Offset:    opts.Offset,
				Progress:  opts.Progress,
			})
			return err
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count counts files under dir with one of extensions, stopping at maxCount
// when it is positive.
func (c *Client) Count(ctx context.Context, ep Endpoint, dir string, extensions []string, recursive bool, maxCount int) (int, error) {
	dir = transport.Clean(dir)
	filter, err := scan.NewFilter(extensions, nil)
	if err != nil {
		return 0, invalid("count", ep, dir, err.Error())
	}

	var n int
	err = c.do(ctx, operation{
		name: "count",
		ep:   ep,
		path: dir,
		fn: func(ctx context.Context, conn transport.Conn) error {
			var err error
			n, err = scan.Count(ctx, conn.ReadDir, dir, filter, recursive, maxCount, nil)
			return err
		},
	}, nil)
	return n, err
}

type progressWriter struct {
	w        io.Writer
	n        *int64
	total    int64
	progress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	*p.n += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(*p.n, p.total)
	}
	if err != nil {
		return n, &localError{err: err}
	}
	return n, nil
}

// Read streams the whole file at name into w. knownSize is passed to
// progress as the total; when it is not positive and progress is set, the
// size is looked up first.
func (c *Client) Read(ctx context.Context, ep Endpoint, name string, w io.Writer, knownSize int64, progress ProgressFunc) error {
	name = transport.Clean(name)
	var written int64
	err := c.do(ctx, operation{
		name: "read",
		ep:   ep,
		path: name,
		// bytes already handed to w cannot be taken back
		canRetry: func() bool { return written == 0 },
		fn: func(ctx context.Context, conn transport.Conn) error {
			total := knownSize
			if progress != nil && total <= 0 {
				total = -1
				if e, err := conn.Stat(ctx, name); err == nil {
					total = e.Size
				}
			}
			f, err := conn.Open(ctx, name)
			if err != nil {
				return err
			}
			defer f.Close()

			buf := c.buffers.Get(c.config.Client.CopyBufferSize)
			defer c.buffers.Put(buf)
			_, err = io.CopyBuffer(&progressWriter{w: w, n: &written, total: total, progress: progress}, f, buf)
			return err
		},
	}, &written)
	c.metrics.RecordBytes("read", written)
	return err
}

// ReadRange reads up to length bytes starting at offset. The result is
// shorter than length only at end of file. A zero length returns an empty
// buffer without touching the network.
func (c *Client) ReadRange(ctx context.Context, ep Endpoint, name string, offset, length int64) ([]byte, error) {
	name = transport.Clean(name)
	if offset < 0 || length < 0 {
		return nil, invalid("read_range", ep, name, "offset and length must be non-negative")
	}
	if length == 0 {
		return []byte{}, nil
	}
	if length > MaxRangeLength {
		return nil, invalid("read_range", ep, name, fmt.Sprintf("length %d exceeds the %d byte limit", length, MaxRangeLength))
	}

	buf := make([]byte, length)
	var got int64
	err := c.do(ctx, operation{
		name: "read_range",
		ep:   ep,
		path: name,
		fn: func(ctx context.Context, conn transport.Conn) error {
			f, err := conn.Open(ctx, name)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := f.ReadAt(buf, offset)
			got = int64(n)
			if err == io.EOF {
				return nil
			}
			return err
		},
	}, &got)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordBytes("read", got)
	return buf[:got], nil
}

type progressReader struct {
	r        io.Reader
	n        *int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	*p.n += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(*p.n, p.total)
	}
	if err != nil && err != io.EOF {
		return n, &localError{err: err}
	}
	return n, err
}

// Write creates or overwrites name with the contents of r. Missing parent
// directories are created. A failed attempt is retried only when r can be
// rewound.
func (c *Client) Write(ctx context.Context, ep Endpoint, name string, r io.Reader, knownSize int64, progress ProgressFunc) error {
	name = transport.Clean(name)
	if name == "." {
		return invalid("write", ep, name, "cannot write to the share root")
	}
	seeker, rewindable := r.(io.Seeker)
	var start int64
	if rewindable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			rewindable = false
		}
		start = pos
	}

	total := knownSize
	if total <= 0 {
		total = -1
	}
	var written int64
	attempts := 0
	err := c.do(ctx, operation{
		name:     "write",
		ep:       ep,
		path:     name,
		canRetry: func() bool { return written == 0 || rewindable },
		fn: func(ctx context.Context, conn transport.Conn) error {
			attempts++
			if attempts > 1 && written > 0 {
				if _, err := seeker.Seek(start, io.SeekStart); err != nil {
					return &localError{err: err}
				}
				written = 0
			}

			wc, err := conn.Create(ctx, name, knownSize)
			if err != nil && errors.CodeOf(err) == errors.ErrCodeNotFound && transport.Dir(name) != "." {
				if err := conn.MkdirAll(ctx, transport.Dir(name)); err != nil {
					return err
				}
				wc, err = conn.Create(ctx, name, knownSize)
			}
			if err != nil {
				return err
			}

			buf := c.buffers.Get(c.config.Client.CopyBufferSize)
			defer c.buffers.Put(buf)
			if _, err := io.CopyBuffer(wc, &progressReader{r: r, n: &written, total: total, progress: progress}, buf); err != nil {
				_ = transport.Abort(wc)
				return err
			}
			return wc.Close()
		},
	}, &written)
	c.metrics.RecordBytes("write", written)
	return err
}

// Delete removes a file or an empty directory.
func (c *Client) Delete(ctx context.Context, ep Endpoint, name string) error {
	name = transport.Clean(name)
	if name == "." {
		return invalid("delete", ep, name, "cannot delete the share root")
	}
	return c.do(ctx, operation{
		name: "delete",
		ep:   ep,
		path: name,
		fn: func(ctx context.Context, conn transport.Conn) error {
			return conn.Remove(ctx, name)
		},
	}, nil)
}

// DeleteDirectoryRecursive removes dir and everything below it.
func (c *Client) DeleteDirectoryRecursive(ctx context.Context, ep Endpoint, dir string) error {
	dir = transport.Clean(dir)
	if dir == "." {
		return invalid("delete_recursive", ep, dir, "cannot delete the share root")
	}
	return c.do(ctx, operation{
		name: "delete_recursive",
		ep:   ep,
		path: dir,
		fn: func(ctx context.Context, conn transport.Conn) error {
			return conn.RemoveAll(ctx, dir)
		},
	}, nil)
}

// Rename gives name a new base name in the same directory.
func (c *Client) Rename(ctx context.Context, ep Endpoint, name, newName string) error {
	name = transport.Clean(name)
	if name == "." {
		return invalid("rename", ep, name, "cannot rename the share root")
	}
	if newName == "" || newName == "." || newName == ".." || strings.ContainsAny(newName, `/\`) {
		return invalid("rename", ep, name, fmt.Sprintf("invalid new name %q", newName))
	}
	target := transport.Join(transport.Dir(name), newName)
	return c.do(ctx, operation{
		name: "rename",
		ep:   ep,
		path: name,
		fn: func(ctx context.Context, conn transport.Conn) error {
			return conn.Rename(ctx, name, target)
		},
	}, nil)
}

// Exists reports whether name is present. A missing path is not an error;
// a missing share is.
func (c *Client) Exists(ctx context.Context, ep Endpoint, name string) (bool, error) {
	_, err := c.Metadata(ctx, ep, name)
	if err == nil {
		return true, nil
	}
	var ce *errors.Error
	if stderr.As(err, &ce) && ce.Code == errors.ErrCodeNotFound && ce.Context["kind"] != "share" {
		return false, nil
	}
	return false, err
}

// Metadata returns the entry for a single file or directory.
func (c *Client) Metadata(ctx context.Context, ep Endpoint, name string) (transport.Entry, error) {
	name = transport.Clean(name)
	var out transport.Entry
	err := c.do(ctx, operation{
		name: "metadata",
		ep:   ep,
		path: name,
		fn: func(ctx context.Context, conn transport.Conn) error {
			e, err := conn.Stat(ctx, name)
			if err != nil {
				return err
			}
			if e.Path == "" {
				e.Path = name
			}
			out = e
			return nil
		},
	}, nil)
	return out, err
}

func probeName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b) + ".tmp", nil
}

// CheckWritable creates, writes and deletes a uniquely named file in dir.
// Permission denial is reported as false rather than an error.
func (c *Client) CheckWritable(ctx context.Context, ep Endpoint, dir string) (bool, error) {
	dir = transport.Clean(dir)
	base, err := probeName(c.config.Client.WriteProbePrefix)
	if err != nil {
		return false, errors.NewError(errors.ErrCodeUnknown, "generate probe name").
			WithComponent("client").WithOperation("check_writable").WithCause(err)
	}
	probe := transport.Join(dir, base)

	err = c.do(ctx, operation{
		name: "check_writable",
		ep:   ep,
		path: probe,
		fn: func(ctx context.Context, conn transport.Conn) error {
			wc, err := conn.Create(ctx, probe, int64(len(base)))
			if err != nil {
				return err
			}
			if _, err := io.WriteString(wc, base); err != nil {
				_ = transport.Abort(wc)
				_ = conn.Remove(ctx, probe)
				return err
			}
			if err := wc.Close(); err != nil {
				_ = conn.Remove(ctx, probe)
				return err
			}
			if err := conn.Remove(ctx, probe); err != nil {
				c.logger.Warn("write probe left behind", "endpoint", ep.String(), "path", probe, "error", err)
			}
			return nil
		},
	}, nil)
	if err == nil {
		return true, nil
	}
	if errors.CodeOf(err) == errors.ErrCodeAuthorizationFailed {
		return false, nil
	}
	return false, err
}

// TestConnection stats the share root with the patient retry policy.
func (c *Client) TestConnection(ctx context.Context, ep Endpoint) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := c.Metadata(ctx, ep, ".")
		return err
	})
}
