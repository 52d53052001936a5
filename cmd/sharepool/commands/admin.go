package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sharepool/sharepool/internal/credentials"
	"github.com/sharepool/sharepool/internal/transport"
)

var sharesCmd = &cobra.Command{
	Use:   "shares URL",
	Short: "List the shares a server exposes",
	Long: `List share names. Administrative shares ending in $ are omitted.

Examples:
  sharepool shares smb://nas
  sharepool shares smb://alice@nas:4455 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, true, func(ctx context.Context, a *app, locs []location) error {
			shares, err := a.client.ListShares(ctx, locs[0].Endpoint)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), shares)
			}
			for _, s := range shares {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		})
	},
}

var testCmd = &cobra.Command{
	Use:   "test URL",
	Short: "Check that a share can be reached with the configured credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			if err := a.client.TestConnection(ctx, locs[0].Endpoint); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", locs[0].Endpoint)
			return nil
		})
	},
}

var checkWritableCmd = &cobra.Command{
	Use:   "check-writable URL",
	Short: "Report whether a directory accepts new files",
	Long: `Write and remove a small probe file in the directory. Prints true or false;
permission failures are reported as false rather than as an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			ok, err := a.client.CheckWritable(ctx, locs[0].Endpoint, locs[0].Path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		})
	},
}

var resetFull bool

var resetCmd = &cobra.Command{
	Use:   "reset URL",
	Short: "Connect, reset the client state and print diagnostics",
	Long: `Open a connection to URL, then discard clients and pooled connections.
With --full the health tracker and every endpoint breaker are reset too.
The resulting pool, gate and health statistics are printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			if err := a.client.TestConnection(ctx, locs[0].Endpoint); err != nil {
				a.logger.Warn("connection test failed before reset", "endpoint", locs[0].Endpoint.String(), "error", err)
			}
			if resetFull {
				a.client.ForceFullReset()
			} else {
				a.client.ResetClients()
			}

			st := a.client.Stats()
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			pairs := [][2]string{
				{"Health", st.Health.State},
				{"Failures", strconv.Itoa(st.Health.Failures)},
				{"Escalations", strconv.FormatInt(st.Health.Escalations, 10)},
				{"Pooled", strconv.Itoa(st.Pool.Size)},
				{"In use", strconv.Itoa(st.Pool.InUse)},
				{"Created", strconv.FormatInt(st.Pool.Created, 10)},
				{"Evicted", strconv.FormatInt(st.Pool.Evicted, 10)},
			}
			protos := make([]string, 0, len(st.Gate))
			for p := range st.Gate {
				protos = append(protos, string(p))
			}
			sort.Strings(protos)
			for _, p := range protos {
				g := st.Gate[transport.Protocol(p)]
				pairs = append(pairs, [2]string{
					"Gate " + p,
					fmt.Sprintf("%d/%d in flight, %d waiting, generation %d", g.InFlight, g.Ceiling, g.Waiting, st.Clients[transport.Protocol(p)]),
				})
			}
			printPairs(cmd.OutOrStdout(), pairs)
			return nil
		})
	},
}

// readPassword takes the password from SHAREPOOL_PASSWORD or the first line of r.
func readPassword(r io.Reader) (string, error) {
	if p := os.Getenv("SHAREPOOL_PASSWORD"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password given on stdin or in SHAREPOOL_PASSWORD")
	}
	return line, nil
}

var loginCmd = &cobra.Command{
	Use:   "login URL",
	Short: "Store credentials in the OS keyring",
	Long: `Store a username and password for a server, or for one share when the URL
names a share. The password is read from SHAREPOOL_PASSWORD or from stdin.

Examples:
  echo "$PASS" | sharepool login smb://alice@nas
  SHAREPOOL_PASSWORD=secret sharepool login smb://nas/media -u bob --domain CORP`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0], true)
		if err != nil {
			return err
		}
		creds := transport.Credentials{Username: loc.User, Domain: domain}
		if username != "" {
			creds.Username = username
		}
		if creds.Username == "" {
			return fmt.Errorf("a username is required (smb://user@server or --user)")
		}
		if creds.Password, err = readPassword(cmd.InOrStdin()); err != nil {
			return err
		}

		ring, err := credentials.OpenKeyring(credentials.DefaultServiceName)
		if err != nil {
			return err
		}
		if err := ring.Set(loc.Endpoint.Server, loc.Endpoint.Share, creds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored credentials for %s\n", loc.Endpoint)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout URL",
	Short: "Remove stored credentials from the OS keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0], true)
		if err != nil {
			return err
		}
		ring, err := credentials.OpenKeyring(credentials.DefaultServiceName)
		if err != nil {
			return err
		}
		return ring.Delete(loc.Endpoint.Server, loc.Endpoint.Share)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetFull, "full", false, "also reset health tracking and endpoint breakers")
}
