package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

const (
	MoveRename = "rename"
	MoveCopy   = "copy"
)

// WarnSourceDeleteFailed is reported when a copy completed but the source
// could not be removed afterwards; the file now exists on both ends.
const WarnSourceDeleteFailed = "source_delete_failed"

// copies up to this size are buffered in memory instead of a temp file
const memoryCopyLimit = 4 << 20

// Warning is a partial failure attached to an otherwise successful result.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// MoveReport describes how a move was carried out.
type MoveReport struct {
	Method   string    `json:"method"`
	Bytes    int64     `json:"bytes"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Move moves a single file. Within one share a native rename is tried first;
// otherwise, or when the rename fails, the file is copied and the source is
// deleted only after the destination has been verified complete.
func (c *Client) Move(ctx context.Context, src Endpoint, srcPath string, dst Endpoint, dstPath string) (MoveReport, error) {
	srcPath, dstPath = transport.Clean(srcPath), transport.Clean(dstPath)
	if srcPath == "." || dstPath == "." {
		return MoveReport{}, invalid("move", src, srcPath, "cannot move a share root")
	}
	if src.SameShare(dst) && srcPath == dstPath {
		return MoveReport{Method: MoveRename}, nil
	}

	if src.SameShare(dst) {
		err := c.do(ctx, operation{
			name: "move",
			ep:   src,
			path: srcPath,
			fn: func(ctx context.Context, conn transport.Conn) error {
				return conn.Rename(ctx, srcPath, dstPath)
			},
		}, nil)
		if err == nil {
			return MoveReport{Method: MoveRename}, nil
		}
		if errors.IsCancellation(ctx, err) {
			return MoveReport{}, err
		}
		c.logger.Info("native rename failed, copying instead",
			"endpoint", src.String(), "from", srcPath, "to", dstPath, "error", err)
	}

	return c.copyThenDelete(ctx, src, srcPath, dst, dstPath)
}

func (c *Client) copyThenDelete(ctx context.Context, src Endpoint, srcPath string, dst Endpoint, dstPath string) (MoveReport, error) {
	report := MoveReport{Method: MoveCopy}

	meta, err := c.Metadata(ctx, src, srcPath)
	if err != nil {
		return report, err
	}
	if meta.IsDir {
		return report, invalid("move", src, srcPath, "directories can only be moved by a native rename")
	}

	// Each leg takes its own permit, so the data is staged locally rather
	// than streamed between two held connections.
	staged, cleanup, err := c.stage(ctx, src, srcPath, meta.Size)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return report, err
	}
	size, err := staged.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = staged.Seek(0, io.SeekStart)
	}
	if err != nil {
		return report, errors.NewError(errors.ErrCodeUnknown, "rewind staged copy").
			WithComponent("client").WithOperation("move").WithCause(err)
	}
	if size != meta.Size {
		return report, mismatch(src, srcPath, "source", meta.Size, size)
	}

	if err := c.Write(ctx, dst, dstPath, staged, size, nil); err != nil {
		return report, err
	}
	written, err := c.Metadata(ctx, dst, dstPath)
	if err != nil {
		return report, err
	}
	if written.Size != size {
		return report, mismatch(dst, dstPath, "destination", size, written.Size)
	}
	report.Bytes = size

	if err := c.Delete(ctx, src, srcPath); err != nil {
		if errors.IsCancellation(ctx, err) {
			return report, err
		}
		c.logger.Warn("moved file but could not delete the source",
			"from", src.String()+"/"+srcPath, "to", dst.String()+"/"+dstPath, "error", err)
		report.Warnings = append(report.Warnings, Warning{
			Code:    WarnSourceDeleteFailed,
			Message: fmt.Sprintf("copied to %s but the source %s could not be deleted", dstPath, srcPath),
			Cause:   err,
		})
	}
	return report, nil
}

// stage downloads the source into memory or a temp file.
func (c *Client) stage(ctx context.Context, ep Endpoint, name string, size int64) (io.ReadSeeker, func(), error) {
	if size >= 0 && size <= memoryCopyLimit {
		var buf bytes.Buffer
		if err := c.Read(ctx, ep, name, &buf, size, nil); err != nil {
			return nil, nil, err
		}
		return bytes.NewReader(buf.Bytes()), nil, nil
	}

	f, err := os.CreateTemp("", "sharepool-move-*")
	if err != nil {
		return nil, nil, errors.NewError(errors.ErrCodeUnknown, "create staging file").
			WithComponent("client").WithOperation("move").WithCause(err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if err := c.Read(ctx, ep, name, f, size, nil); err != nil {
		return nil, cleanup, err
	}
	return f, cleanup, nil
}

func mismatch(ep Endpoint, name, side string, want, got int64) *errors.Error {
	return errors.NewError(errors.ErrCodeUnknown,
		fmt.Sprintf("%s size mismatch: expected %d bytes, found %d", side, want, got)).
		WithComponent("client").
		WithOperation("move").
		WithContext("endpoint", ep.String()).
		WithContext("path", name)
}
