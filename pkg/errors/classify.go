package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Classify maps an arbitrary error onto the taxonomy. Errors that are already
// classified are returned unchanged; transport packages classify their own
// protocol status codes before handing errors back.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if stderrors.As(err, &classified) {
		return classified
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return NewError(ErrCodeCancelled, "operation cancelled").WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, os.ErrDeadlineExceeded):
		return NewError(ErrCodeTimeout, "operation timed out").WithCause(err)
	case IsCriticalSocketError(err):
		return NewError(ErrCodeCriticalTransport, "connection aborted").WithCause(err)
	case isUnreachable(err):
		return NewError(ErrCodeUnreachable, "server unreachable").WithCause(err)
	case stderrors.Is(err, os.ErrNotExist):
		return NewError(ErrCodeNotFound, "path not found").WithCause(err)
	case stderrors.Is(err, os.ErrPermission):
		return NewError(ErrCodeAuthorizationFailed, "permission denied").WithCause(err)
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, net.ErrClosed):
		return NewError(ErrCodeConnectionReset, "connection closed by remote").WithCause(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrCodeTimeout, "operation timed out").WithCause(err)
	}

	return NewError(ErrCodeUnknown, err.Error()).WithCause(err)
}

// IsCriticalSocketError reports the socket-level abort/reset/broken-pipe
// signature that indicates corrupted transport state.
func IsCriticalSocketError(err error) bool {
	return stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, syscall.ECONNABORTED)
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}
	return stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.EHOSTUNREACH) ||
		stderrors.Is(err, syscall.ENETUNREACH)
}

// IsCancellation reports whether err must be propagated as cancellation
// rather than converted to a classified error.
func IsCancellation(ctx context.Context, err error) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return stderrors.Is(err, context.Canceled)
}

// CodeOf returns the classified code of err, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}
