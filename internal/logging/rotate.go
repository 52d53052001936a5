package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig configures a size-rotated log file.
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int64
	MaxBackups int
	Compress   bool
}

// Rotator is an io.WriteCloser that renames the file aside once it reaches
// MaxSizeMB and starts a new one.
type Rotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewRotator opens (or appends to) the log file.
func NewRotator(config RotationConfig) (*Rotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	r := &Rotator{config: config, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if max := r.config.MaxSizeMB * 1024 * 1024; max > 0 && r.size > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Rotate forces a rotation.
func (r *Rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *Rotator) open() error {
	if err := os.MkdirAll(filepath.Dir(r.config.Filename), 0750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(r.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return err
		}
		r.file = nil
	}

	backup := r.backupName(r.now().UTC())
	if err := os.Rename(r.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.config.Compress {
		if err := compress(backup); err != nil {
			fmt.Fprintf(os.Stderr, "compress %s: %v\n", backup, err)
		}
	}
	r.prune()

	return r.open()
}

func (r *Rotator) split() (dir, prefix, ext string) {
	dir = filepath.Dir(r.config.Filename)
	base := filepath.Base(r.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (r *Rotator) backupName(t time.Time) string {
	dir, prefix, ext := r.split()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.Format("2006-01-02T15-04-05.000"), ext))
}

// Backups lists rotated files, oldest first.
func (r *Rotator) Backups() ([]string, error) {
	dir, prefix, ext := r.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if name == filepath.Base(r.config.Filename) || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, name)
		}
	}
	// timestamps sort lexically
	sort.Strings(names)
	return names, nil
}

func (r *Rotator) prune() {
	if r.config.MaxBackups <= 0 {
		return
	}
	names, err := r.Backups()
	if err != nil || len(names) <= r.config.MaxBackups {
		return
	}
	dir, _, _ := r.split()
	for _, name := range names[:len(names)-r.config.MaxBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			fmt.Fprintf(os.Stderr, "remove old log %s: %v\n", name, err)
		}
	}
}

func compress(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
