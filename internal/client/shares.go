package client

import (
	"context"
	"sort"
	"strings"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// ListShares enumerates the disk shares on ep.Server; ep.Share is ignored.
// Administrative shares (trailing $) are left out. When the server refuses
// enumeration and share probing is enabled, well-known share names are tried
// one by one instead.
func (c *Client) ListShares(ctx context.Context, ep Endpoint) ([]string, error) {
	ep.Share = ""
	var names []string
	err := c.do(ctx, operation{
		name: "list_shares",
		ep:   ep,
		fn: func(ctx context.Context, conn transport.Conn) error {
			var err error
			names, err = conn.ListShares(ctx)
			return err
		},
	}, nil)
	if err == nil {
		return userShares(names), nil
	}
	if errors.IsCancellation(ctx, err) || !c.config.Shares.ProbeCommonNames {
		return nil, err
	}

	c.logger.Info("share enumeration failed, probing common names", "server", ep.Server, "error", err)
	found, perr := c.probeShares(ctx, ep)
	if perr != nil {
		return nil, perr
	}
	if len(found) == 0 {
		return nil, err
	}
	return found, nil
}

func (c *Client) probeShares(ctx context.Context, ep Endpoint) ([]string, error) {
	var found []string
	for _, name := range c.config.Shares.CommonNames {
		probe := ep
		probe.Share = name
		if _, err := c.Metadata(ctx, probe, "."); err != nil {
			if errors.IsCancellation(ctx, err) {
				return nil, err
			}
			continue
		}
		found = append(found, name)
	}
	return userShares(found), nil
}

func userShares(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" || strings.HasSuffix(n, "$") {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
