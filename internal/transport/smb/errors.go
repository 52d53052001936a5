package smb

import (
	"context"
	stderr "errors"
	"fmt"

	"github.com/hirochachacha/go-smb2"

	"github.com/sharepool/sharepool/pkg/errors"
)

// NTSTATUS values the classifier distinguishes.
const (
	statusNoSuchFile            uint32 = 0xC000000F
	statusAccessDenied          uint32 = 0xC0000022
	statusObjectNameNotFound    uint32 = 0xC0000034
	statusObjectNameCollision   uint32 = 0xC0000035
	statusObjectPathNotFound    uint32 = 0xC000003A
	statusSharingViolation      uint32 = 0xC0000043
	statusNoSuchUser            uint32 = 0xC0000064
	statusWrongPassword         uint32 = 0xC000006A
	statusLogonFailure          uint32 = 0xC000006D
	statusAccountRestriction    uint32 = 0xC000006E
	statusInvalidLogonHours     uint32 = 0xC000006F
	statusPasswordExpired       uint32 = 0xC0000071
	statusAccountDisabled       uint32 = 0xC0000072
	statusDiskFull              uint32 = 0xC000007F
	statusIOTimeout             uint32 = 0xC00000B5
	statusFileIsADirectory      uint32 = 0xC00000BA
	statusNotSupported          uint32 = 0xC00000BB
	statusNetworkNameDeleted    uint32 = 0xC00000C9
	statusBadNetworkName        uint32 = 0xC00000CC
	statusDirectoryNotEmpty     uint32 = 0xC0000101
	statusNotADirectory         uint32 = 0xC0000103
	statusUserSessionDeleted    uint32 = 0xC0000203
	statusConnectionReset       uint32 = 0xC000020D
	statusAccountLockedOut      uint32 = 0xC0000234
	statusNetworkSessionExpired uint32 = 0xC000035C
)

type statusClass struct {
	code    errors.ErrorCode
	message string
	kind    string
}

var statusTable = map[uint32]statusClass{
	statusLogonFailure:       {errors.ErrCodeAuthenticationFailed, "logon failure", ""},
	statusWrongPassword:      {errors.ErrCodeAuthenticationFailed, "wrong password", ""},
	statusNoSuchUser:         {errors.ErrCodeAuthenticationFailed, "no such user", ""},
	statusAccountRestriction: {errors.ErrCodeAuthenticationFailed, "account restriction", ""},
	statusInvalidLogonHours:  {errors.ErrCodeAuthenticationFailed, "logon not allowed at this time", ""},
	statusPasswordExpired:    {errors.ErrCodeAuthenticationFailed, "password expired", ""},
	statusAccountDisabled:    {errors.ErrCodeAuthenticationFailed, "account disabled", ""},
	statusAccountLockedOut:   {errors.ErrCodeAuthenticationFailed, "account locked out", ""},

	statusAccessDenied:     {errors.ErrCodeAuthorizationFailed, "access denied", ""},
	statusSharingViolation: {errors.ErrCodeAuthorizationFailed, "file is in use", ""},

	statusNoSuchFile:         {errors.ErrCodeNotFound, "no such file", "path"},
	statusObjectNameNotFound: {errors.ErrCodeNotFound, "object name not found", "path"},
	statusObjectPathNotFound: {errors.ErrCodeNotFound, "object path not found", "path"},
	statusBadNetworkName:     {errors.ErrCodeNotFound, "share not found", "share"},

	statusNetworkNameDeleted:    {errors.ErrCodeConnectionReset, "network name deleted", ""},
	statusUserSessionDeleted:    {errors.ErrCodeConnectionReset, "session deleted", ""},
	statusConnectionReset:       {errors.ErrCodeConnectionReset, "connection reset", ""},
	statusNetworkSessionExpired: {errors.ErrCodeConnectionReset, "session expired", ""},

	statusIOTimeout: {errors.ErrCodeTimeout, "server i/o timeout", ""},

	statusObjectNameCollision: {errors.ErrCodeInvalidArgument, "already exists", ""},
	statusDirectoryNotEmpty:   {errors.ErrCodeInvalidArgument, "directory not empty", ""},
	statusFileIsADirectory:    {errors.ErrCodeInvalidArgument, "is a directory", ""},
	statusNotADirectory:       {errors.ErrCodeInvalidArgument, "not a directory", ""},
	statusNotSupported:        {errors.ErrCodeInvalidArgument, "not supported by server", ""},
	statusDiskFull:            {errors.ErrCodeUnknown, "share is full", ""},
}

// Classify maps go-smb2 failures onto the error taxonomy. NTSTATUS codes come
// first, then go-smb2's wrapper types, then the generic network rules.
func Classify(err error) *errors.Error {
	if err == nil {
		return nil
	}

	var classified *errors.Error
	if stderr.As(err, &classified) {
		return classified
	}

	var re *smb2.ResponseError
	if stderr.As(err, &re) {
		if c, ok := statusTable[re.Code]; ok {
			e := errors.NewError(c.code, c.message).WithComponent("smb").WithCause(err).
				WithContext("ntstatus", fmt.Sprintf("0x%08X", re.Code))
			if c.kind != "" {
				e.WithContext("kind", c.kind)
			}
			return e
		}
		return errors.NewError(errors.ErrCodeUnknown, re.Error()).WithComponent("smb").WithCause(err).
			WithContext("ntstatus", fmt.Sprintf("0x%08X", re.Code))
	}

	var ce *smb2.ContextError
	if stderr.As(err, &ce) {
		if stderr.Is(ce.Err, context.DeadlineExceeded) {
			return errors.NewError(errors.ErrCodeTimeout, "operation timed out").WithComponent("smb").WithCause(err)
		}
		return errors.NewError(errors.ErrCodeCancelled, "operation cancelled").WithComponent("smb").WithCause(err)
	}

	var te *smb2.TransportError
	if stderr.As(err, &te) {
		inner := errors.Classify(te.Err)
		if inner.Code == errors.ErrCodeUnknown {
			return errors.NewError(errors.ErrCodeConnectionReset, "connection error").WithComponent("smb").WithCause(err)
		}
		return errors.NewError(inner.Code, inner.Message).WithComponent("smb").WithCause(err)
	}

	var ir *smb2.InvalidResponseError
	if stderr.As(err, &ir) {
		return errors.NewError(errors.ErrCodeConnectionReset, "invalid response from server").WithComponent("smb").WithCause(err)
	}

	return errors.Classify(err)
}

// breaksSession reports errors after which the session should not be reused.
func breaksSession(e *errors.Error) bool {
	switch e.Code {
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset, errors.ErrCodeCriticalTransport, errors.ErrCodeUnreachable:
		return true
	}
	return false
}
