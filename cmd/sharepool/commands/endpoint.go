package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sharepool/sharepool/internal/client"
	"github.com/sharepool/sharepool/internal/transport"
)

// location is a parsed remote URL: the endpoint plus a share-relative path.
type location struct {
	Endpoint client.Endpoint
	Path     string
	User     string
}

// parseLocation accepts smb://[user@]server[:port]/share[/path] and the s3
// equivalent. The share may be omitted only when allowNoShare is set.
func parseLocation(raw string, allowNoShare bool) (location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return location{}, fmt.Errorf("invalid location %q: %w", raw, err)
	}

	var proto transport.Protocol
	switch strings.ToLower(u.Scheme) {
	case "smb", "cifs":
		proto = transport.ProtocolSMB
	case "s3":
		proto = transport.ProtocolS3
	case "":
		return location{}, fmt.Errorf("invalid location %q: expected smb://server/share/path or s3://host/bucket/key", raw)
	default:
		return location{}, fmt.Errorf("unsupported protocol %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return location{}, fmt.Errorf("invalid location %q: missing server", raw)
	}

	loc := location{Endpoint: client.Endpoint{Protocol: proto, Server: u.Hostname()}}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return location{}, fmt.Errorf("invalid port %q", p)
		}
		loc.Endpoint.Port = n
	}
	if u.User != nil {
		loc.User = u.User.Username()
	}

	rest := strings.TrimLeft(u.Path, "/")
	share, path, _ := strings.Cut(rest, "/")
	if share == "" && !allowNoShare {
		return location{}, fmt.Errorf("invalid location %q: missing share", raw)
	}
	loc.Endpoint.Share = share
	loc.Path = transport.Clean(path)
	return loc, nil
}

func (l location) String() string {
	if l.Path == "." {
		return l.Endpoint.String()
	}
	return l.Endpoint.String() + "/" + l.Path
}
