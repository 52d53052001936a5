package smb

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

func pathErr(op string, err error) error {
	return &os.PathError{Op: op, Path: `media\file.bin`, Err: err}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
		kind string
	}{
		{"logon failure", &smb2.ResponseError{Code: statusLogonFailure}, errors.ErrCodeAuthenticationFailed, ""},
		{"locked out", pathErr("open", &smb2.ResponseError{Code: statusAccountLockedOut}), errors.ErrCodeAuthenticationFailed, ""},
		{"access denied", pathErr("open", &smb2.ResponseError{Code: statusAccessDenied}), errors.ErrCodeAuthorizationFailed, ""},
		{"missing file", pathErr("stat", &smb2.ResponseError{Code: statusObjectNameNotFound}), errors.ErrCodeNotFound, "path"},
		{"missing parent", pathErr("create", &smb2.ResponseError{Code: statusObjectPathNotFound}), errors.ErrCodeNotFound, "path"},
		{"bad share", &smb2.ResponseError{Code: statusBadNetworkName}, errors.ErrCodeNotFound, "share"},
		{"session deleted", pathErr("readdir", &smb2.ResponseError{Code: statusNetworkNameDeleted}), errors.ErrCodeConnectionReset, ""},
		{"server timeout", &smb2.ResponseError{Code: statusIOTimeout}, errors.ErrCodeTimeout, ""},
		{"not empty", pathErr("remove", &smb2.ResponseError{Code: statusDirectoryNotEmpty}), errors.ErrCodeInvalidArgument, ""},
		{"unmapped status", &smb2.ResponseError{Code: 0xC0000001}, errors.ErrCodeUnknown, ""},
		{"deadline", pathErr("open", &smb2.ContextError{Err: context.DeadlineExceeded}), errors.ErrCodeTimeout, ""},
		{"cancel", pathErr("open", &smb2.ContextError{Err: context.Canceled}), errors.ErrCodeCancelled, ""},
		{"transport reset", &smb2.TransportError{Err: syscall.ECONNRESET}, errors.ErrCodeCriticalTransport, ""},
		{"transport eof", &smb2.TransportError{Err: io.EOF}, errors.ErrCodeConnectionReset, ""},
		{"transport other", &smb2.TransportError{Err: fmt.Errorf("framing")}, errors.ErrCodeConnectionReset, ""},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, errors.ErrCodeUnreachable, ""},
		{"dns", &net.DNSError{Err: "no such host", Name: "nas"}, errors.ErrCodeUnreachable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.kind, got.Context["kind"])
		})
	}

	assert.Nil(t, Classify(nil))

	already := errors.NewError(errors.ErrCodeNotFound, "gone")
	assert.Same(t, already, Classify(fmt.Errorf("wrapped: %w", already)))
}

func TestClassifyKeepsStatus(t *testing.T) {
	got := Classify(&smb2.ResponseError{Code: statusAccessDenied})
	assert.Equal(t, "0xC0000022", got.Context["ntstatus"])
	assert.Equal(t, "smb", got.Component)
}

func TestBreaksSession(t *testing.T) {
	for code, want := range map[errors.ErrorCode]bool{
		errors.ErrCodeTimeout:              true,
		errors.ErrCodeConnectionReset:      true,
		errors.ErrCodeCriticalTransport:    true,
		errors.ErrCodeUnreachable:          true,
		errors.ErrCodeNotFound:             false,
		errors.ErrCodeAuthorizationFailed:  false,
		errors.ErrCodeAuthenticationFailed: false,
		errors.ErrCodeUnknown:              false,
	} {
		assert.Equal(t, want, breaksSession(errors.NewError(code, "x")), code)
	}
}

func TestConnCheckMarksBroken(t *testing.T) {
	c := &Conn{}
	require.True(t, c.Connected())

	err := c.check(context.Background(), pathErr("stat", &smb2.ResponseError{Code: statusObjectNameNotFound}))
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	assert.True(t, c.Connected())

	err = c.check(context.Background(), &smb2.TransportError{Err: syscall.EPIPE})
	assert.Equal(t, errors.ErrCodeCriticalTransport, errors.CodeOf(err))
	assert.False(t, c.Connected())

	assert.NoError(t, c.check(context.Background(), nil))
}

func TestConnCheckCallerContext(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()

	tests := []struct {
		name       string
		ctx        context.Context
		err        error
		wantCode   errors.ErrorCode
		wantBroken bool
	}{
		{
			name:     "caller deadline",
			ctx:      expired,
			err:      &smb2.ContextError{Err: context.DeadlineExceeded},
			wantCode: errors.ErrCodeTimeout,
		},
		{
			name:     "caller cancel during transport failure",
			ctx:      cancelled,
			err:      &smb2.TransportError{Err: syscall.EPIPE},
			wantCode: errors.ErrCodeCriticalTransport,
		},
		{
			name:       "live caller",
			ctx:        context.Background(),
			err:        &smb2.ContextError{Err: context.DeadlineExceeded},
			wantCode:   errors.ErrCodeTimeout,
			wantBroken: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conn{}
			err := c.check(tt.ctx, tt.err)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
			assert.Equal(t, tt.wantBroken, !c.Connected())
		})
	}
}

func TestStreamCallerDeadlineKeepsSession(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := &Conn{timeout: time.Second}
	s, ctx := c.newStream(parent)
	defer s.stop()

	cancel()
	<-ctx.Done()
	err := s.fail(&smb2.ContextError{Err: context.Canceled})
	assert.Error(t, err)
	assert.True(t, c.Connected())
}

func TestSMBPath(t *testing.T) {
	tests := map[string]string{
		".":          "",
		"":           "",
		"/":          "",
		"a":          "a",
		"/a/b/c":     `a\b\c`,
		`a\b`:        `a\b`,
		"a/../b.txt": "b.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, smbPath(in), "smbPath(%q)", in)
	}
}

func TestStreamStall(t *testing.T) {
	c := &Conn{timeout: 20 * time.Millisecond}
	s, ctx := c.newStream(context.Background())
	defer s.stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled stream was not cancelled")
	}

	err := s.fail(&smb2.ContextError{Err: context.Canceled})
	assert.Equal(t, errors.ErrCodeTimeout, errors.CodeOf(err))
	assert.False(t, c.Connected())
	assert.Equal(t, io.EOF, s.fail(io.EOF))
}

func TestStreamActivityKeepsAlive(t *testing.T) {
	c := &Conn{timeout: 250 * time.Millisecond}
	s, ctx := c.newStream(context.Background())
	defer s.stop()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		s.touch()
	}
	assert.NoError(t, ctx.Err())
	assert.True(t, c.Connected())
}

func TestNewFactory(t *testing.T) {
	p := transport.Profile{Name: transport.ProfileDegraded, ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second}
	d, err := NewFactory(nil)(p)
	require.NoError(t, err)
	assert.Equal(t, p, d.Profile())

	require.NoError(t, d.Close())
	_, err = d.Dial(context.Background(), transport.Key{Protocol: transport.ProtocolSMB, Server: "nas", Port: 445}, transport.Credentials{})
	assert.Equal(t, errors.ErrCodeConnectionReset, errors.CodeOf(err))
}
