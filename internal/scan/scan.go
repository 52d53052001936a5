// Package scan walks remote directory trees, filtering entries as it goes.
package scan

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// ListFunc lists one directory.
type ListFunc func(ctx context.Context, dir string) ([]transport.Entry, error)

// MediaExtensions is the default filter for media browsing.
var MediaExtensions = []string{
	"jpg", "jpeg", "png", "gif", "webp", "heic", "bmp", "tif", "tiff", "dng", "cr2", "nef", "arw",
	"mp4", "mkv", "mov", "avi", "wmv", "webm", "m4v", "3gp", "ts",
	"mp3", "flac", "m4a", "aac", "ogg", "wav", "opus", "wma",
}

// Filter selects files by extension and/or doublestar pattern. An empty
// filter matches every file. Directories never match.
type Filter struct {
	extensions map[string]struct{}
	patterns   []string
}

// NewFilter builds a filter. Extensions are case-insensitive and may carry a leading dot.
func NewFilter(extensions, patterns []string) (*Filter, error) {
	f := &Filter{extensions: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			f.extensions[ext] = struct{}{}
		}
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.NewError(errors.ErrCodeInvalidArgument, fmt.Sprintf("invalid pattern %q", p)).
				WithComponent("scan")
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

// Match reports whether e passes the filter.
func (f *Filter) Match(e transport.Entry) bool {
	if e.IsDir || e.Hidden() {
		return false
	}
	if f == nil {
		return true
	}
	if len(f.extensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(e.Name), "."))
		if _, ok := f.extensions[ext]; !ok {
			return false
		}
	}
	if len(f.patterns) > 0 {
		for _, p := range f.patterns {
			if ok, _ := doublestar.Match(p, e.Path); ok {
				return true
			}
			if ok, _ := doublestar.Match(p, e.Name); ok {
				return true
			}
		}
		return false
	}
	return true
}

// Progress is reported after each directory is listed.
type Progress struct {
	Directories int
	Matched     int
	Skipped     int
	Current     string
}

// Options controls traversal and early termination.
type Options struct {
	Recursive bool
	// Limit stops the walk after this many results; zero means no limit
	Limit int
	// Offset skips this many matches before collecting
	Offset   int
	Progress func(Progress)
}

type walker struct {
	list     ListFunc
	filter   *Filter
	opts     Options
	progress Progress
	seen     int
	out      []transport.Entry
	// visit returns false to stop the walk
	visit func(transport.Entry) bool
}

// Walk returns matching files under root in depth-first order, listing each
// directory's files before descending into its subdirectories. Hidden
// entries are never returned or descended into.
func Walk(ctx context.Context, list ListFunc, root string, filter *Filter, opts Options) ([]transport.Entry, error) {
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "offset and limit must be non-negative").
			WithComponent("scan")
	}

	w := &walker{list: list, filter: filter, opts: opts}
	w.visit = func(e transport.Entry) bool {
		w.seen++
		if w.seen <= opts.Offset {
			return true
		}
		w.out = append(w.out, e)
		return opts.Limit == 0 || len(w.out) < opts.Limit
	}

	if _, err := w.walk(ctx, transport.Clean(root), true); err != nil {
		return nil, err
	}
	if w.out == nil {
		w.out = []transport.Entry{}
	}
	return w.out, nil
}

// Count counts matching files under root, stopping once maxCount is reached.
// A maxCount of zero or less counts everything.
func Count(ctx context.Context, list ListFunc, root string, filter *Filter, recursive bool, maxCount int, progress func(Progress)) (int, error) {
	w := &walker{list: list, filter: filter, opts: Options{Recursive: recursive, Progress: progress}}
	w.visit = func(transport.Entry) bool {
		w.seen++
		return maxCount <= 0 || w.seen < maxCount
	}

	if _, err := w.walk(ctx, transport.Clean(root), true); err != nil {
		return 0, err
	}
	return w.seen, nil
}

// walk returns false when the visitor asked to stop.
func (w *walker) walk(ctx context.Context, dir string, isRoot bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	entries, err := w.list(ctx, dir)
	if err != nil {
		if !isRoot && skippable(err) && ctx.Err() == nil {
			w.progress.Skipped++
			return true, nil
		}
		return false, err
	}

	w.progress.Directories++
	w.progress.Current = dir

	var subdirs []transport.Entry
	cont := true
	for _, e := range entries {
		if e.Hidden() || e.Name == "." || e.Name == ".." {
			continue
		}
		if e.Path == "" {
			e.Path = transport.Join(dir, e.Name)
		}
		if e.IsDir {
			subdirs = append(subdirs, e)
			continue
		}
		if cont && w.filter.Match(e) {
			w.progress.Matched++
			cont = w.visit(e)
		}
	}
	w.report()

	if !cont {
		return false, nil
	}
	if !w.opts.Recursive {
		return true, nil
	}

	for _, d := range subdirs {
		ok, err := w.walk(ctx, d.Path, false)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (w *walker) report() {
	if w.opts.Progress != nil {
		w.opts.Progress(w.progress)
	}
}

// skippable reports listing failures below the root that should not abort
// the whole walk.
func skippable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeAuthorizationFailed, errors.ErrCodeNotFound:
		return true
	}
	return false
}
