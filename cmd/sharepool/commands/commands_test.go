package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/client"
	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		allowNoShare bool
		want         location
		wantErr      string
	}{
		{
			name: "share root",
			raw:  "smb://nas/media",
			want: location{Endpoint: client.Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Share: "media"}, Path: "."},
		},
		{
			name: "nested path with user and port",
			raw:  "smb://alice@nas:4455/media/Movies/a.mkv",
			want: location{
				Endpoint: client.Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Port: 4455, Share: "media"},
				Path:     "Movies/a.mkv",
				User:     "alice",
			},
		},
		{
			name: "cifs alias and trailing slash",
			raw:  "CIFS://nas/media/Movies/",
			want: location{Endpoint: client.Endpoint{Protocol: transport.ProtocolSMB, Server: "nas", Share: "media"}, Path: "Movies"},
		},
		{
			name: "s3 bucket",
			raw:  "s3://minio:9000/backups/2024/db.tar",
			want: location{Endpoint: client.Endpoint{Protocol: transport.ProtocolS3, Server: "minio", Port: 9000, Share: "backups"}, Path: "2024/db.tar"},
		},
		{
			name:         "server only when allowed",
			raw:          "smb://nas",
			allowNoShare: true,
			want:         location{Endpoint: client.Endpoint{Protocol: transport.ProtocolSMB, Server: "nas"}, Path: "."},
		},
		{name: "missing share", raw: "smb://nas/", wantErr: "missing share"},
		{name: "missing server", raw: "smb:///media", wantErr: "missing server"},
		{name: "no scheme", raw: "nas/media", wantErr: "expected smb://"},
		{name: "unsupported scheme", raw: "ftp://nas/media", wantErr: "unsupported protocol"},
		{name: "port out of range", raw: "smb://nas:70000/media", wantErr: "invalid port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLocation(tt.raw, tt.allowNoShare)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocationString(t *testing.T) {
	loc, err := parseLocation("smb://nas/media/Movies/a.mkv", false)
	require.NoError(t, err)
	assert.Equal(t, "smb://nas:445/media/Movies/a.mkv", loc.String())

	root, err := parseLocation("smb://nas/media", false)
	require.NoError(t, err)
	assert.Equal(t, "smb://nas:445/media", root.String())
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, humanSize(tt.in))
		})
	}
}

func TestPrintEntries(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []transport.Entry{
		{Name: "Movies", Path: "Movies", IsDir: true, ModTime: mod},
		{Name: "a.mkv", Path: "Movies/a.mkv", Size: 2048, ModTime: mod},
	}
	defer func(f string) { outputFormat = f }(outputFormat)

	t.Run("json", func(t *testing.T) {
		outputFormat = "json"
		var buf bytes.Buffer
		require.NoError(t, printEntries(&buf, entries))

		var got []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, true, got[0]["is_directory"])
		assert.Equal(t, "Movies/a.mkv", got[1]["path"])
		assert.Equal(t, float64(2048), got[1]["size"])
		assert.Equal(t, float64(mod.UnixMilli()), got[1]["last_modified"])
	})

	t.Run("table", func(t *testing.T) {
		outputFormat = "table"
		var buf bytes.Buffer
		require.NoError(t, printEntries(&buf, entries))
		out := buf.String()
		assert.Contains(t, out, "PATH")
		assert.Contains(t, out, "Movies/a.mkv")
		assert.Contains(t, out, "2.0 KiB")
		assert.Contains(t, out, "dir")
	})
}

func TestCheckFormat(t *testing.T) {
	defer func(f string) { outputFormat = f }(outputFormat)
	for _, f := range []string{"table", "json"} {
		outputFormat = f
		assert.NoError(t, checkFormat())
	}
	outputFormat = "yaml"
	assert.Error(t, checkFormat())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errors.NewError(errors.ErrCodeNotFound, "gone"), 2},
		{"auth", errors.NewError(errors.ErrCodeAuthenticationFailed, "denied"), 3},
		{"missing credentials", errors.NewError(errors.ErrCodeCredentialsMissing, "none"), 3},
		{"timeout", errors.NewError(errors.ErrCodeTimeout, "slow"), 4},
		{"reset", fmt.Errorf("wrapped: %w", errors.NewError(errors.ErrCodeConnectionReset, "reset")), 4},
		{"cancelled", errors.NewError(errors.ErrCodeCancelled, "stop"), 130},
		{"plain", fmt.Errorf("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", describe(fmt.Errorf("boom")))

	err := errors.NewError(errors.ErrCodeNotFound, "Movies/a.mkv does not exist")
	got := describe(err)
	assert.Contains(t, got, "Movies/a.mkv does not exist")
	lines := strings.Split(got, "\n")
	assert.Len(t, lines, 2)
	assert.NotEmpty(t, lines[1])
}

func TestEnvCredentials(t *testing.T) {
	defer func(u, d string) { username, domain = u, d }(username, domain)
	username, domain = "", ""

	t.Setenv("SHAREPOOL_USERNAME", "env-user")
	t.Setenv("SHAREPOOL_PASSWORD", "secret")
	t.Setenv("SHAREPOOL_DOMAIN", "ENV")

	creds, ok := envCredentials("")
	require.True(t, ok)
	assert.Equal(t, transport.Credentials{Username: "env-user", Password: "secret", Domain: "ENV"}, creds)

	creds, _ = envCredentials("url-user")
	assert.Equal(t, "url-user", creds.Username)

	username, domain = "flag-user", "CORP"
	creds, _ = envCredentials("url-user")
	assert.Equal(t, "flag-user", creds.Username)
	assert.Equal(t, "CORP", creds.Domain)

	username = ""
	t.Setenv("SHAREPOOL_USERNAME", "")
	_, ok = envCredentials("")
	assert.False(t, ok)
}

func TestReadPassword(t *testing.T) {
	t.Setenv("SHAREPOOL_PASSWORD", "")
	p, err := readPassword(strings.NewReader("hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", p)

	_, err = readPassword(strings.NewReader(""))
	assert.Error(t, err)

	t.Setenv("SHAREPOOL_PASSWORD", "from-env")
	p, err = readPassword(strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", p)
}

func TestRootCommandTree(t *testing.T) {
	want := []string{
		"version", "ls", "scan", "count", "stat", "exists",
		"get", "cat", "put", "rm", "mv", "rename",
		"shares", "test", "check-writable", "reset", "login", "logout",
	}
	root := GetRootCmd()
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
