package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/internal/transport/transporttest"
)

func TestClean(t *testing.T) {
	tests := map[string]string{
		"":             ".",
		"/":            ".",
		`\`:            ".",
		"a/b":          "a/b",
		"/a/b/":        "a/b",
		`\\a\b`:        "a/b",
		"a/../b":       "b",
		"../../escape": "escape",
	}
	for in, want := range tests {
		assert.Equal(t, want, transport.Clean(in), "Clean(%q)", in)
	}

	assert.Equal(t, "a", transport.Dir("a/b"))
	assert.Equal(t, ".", transport.Dir("a"))
	assert.Equal(t, "b", transport.Base("/a/b"))
	assert.Equal(t, "a/b/c", transport.Join("a", "/b", "c/"))
}

func TestKey(t *testing.T) {
	k := transport.Key{Protocol: transport.ProtocolSMB, Server: "nas", Port: 445, Share: "Media", Username: "bob", Domain: "HOME"}

	assert.Equal(t, "nas:445", k.Address())
	assert.Equal(t, "nas/Media", k.Resource())
	assert.Equal(t, `smb://HOME\bob@nas:445/Media`, k.String())

	other := k
	other.Share = "media"
	assert.NotEqual(t, k, other, "share comparison is case-sensitive")
}

func TestEntry(t *testing.T) {
	assert.True(t, transport.Entry{Name: ".DS_Store"}.Hidden())
	assert.False(t, transport.Entry{Name: "photo.jpg"}.Hidden())
	assert.Equal(t, int64(0), transport.Entry{}.LastModifiedMs())
}

func TestCell_LazyAndReset(t *testing.T) {
	network := transporttest.NewNetwork()
	normal := transport.Profile{ConnectTimeout: 1, ReadTimeout: 1}
	degraded := transport.Profile{ConnectTimeout: 2, ReadTimeout: 2}
	cell := transport.NewCell(network.Factory(), normal, degraded, nil)

	assert.Equal(t, 0, network.DialersBuilt(), "dialers are built lazily")

	d1, err := cell.Get(false)
	require.NoError(t, err)
	d2, err := cell.Get(false)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, transport.ProfileNormal, d1.Profile().Name)

	dd, err := cell.Get(true)
	require.NoError(t, err)
	assert.Equal(t, transport.ProfileDegraded, dd.Profile().Name)
	assert.Equal(t, 2, network.DialersBuilt())

	cell.Reset()
	assert.Equal(t, 2, network.DialersClosed())
	assert.Equal(t, uint64(1), cell.Generation())

	d3, err := cell.Get(false)
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)
	assert.Equal(t, 3, network.DialersBuilt())

	cell.Reset()
	cell.Reset()
	assert.Equal(t, 3, network.DialersClosed(), "reset of an empty cell closes nothing")
}
