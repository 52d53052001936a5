package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sharepool/sharepool/internal/client"
	"github.com/sharepool/sharepool/internal/transport"
)

var showProgress bool

func progressPrinter(cmd *cobra.Command) client.ProgressFunc {
	if !showProgress {
		return nil
	}
	return func(done, total int64) {
		if total > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r%s / %s (%d%%)", humanSize(done), humanSize(total), done*100/total)
			return
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%s", humanSize(done))
	}
}

var getCmd = &cobra.Command{
	Use:   "get URL [LOCAL]",
	Short: "Download a file",
	Long: `Download a remote file. Without LOCAL the file is saved under its own
name in the current directory; "-" writes to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args[:1], false, func(ctx context.Context, a *app, locs []location) error {
			src := locs[0]
			if len(args) == 2 && args[1] == "-" {
				return a.client.Read(ctx, src.Endpoint, src.Path, cmd.OutOrStdout(), -1, nil)
			}

			local := transport.Base(src.Path)
			if len(args) == 2 {
				local = args[1]
				if fi, err := os.Stat(local); err == nil && fi.IsDir() {
					local = filepath.Join(local, transport.Base(src.Path))
				}
			}
			f, err := os.Create(local)
			if err != nil {
				return err
			}
			err = a.client.Read(ctx, src.Endpoint, src.Path, f, -1, progressPrinter(cmd))
			if showProgress {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(local)
			}
			return err
		})
	},
}

var (
	catOffset int64
	catLength int64
)

var catCmd = &cobra.Command{
	Use:   "cat URL",
	Short: "Print a byte range of a file",
	Long: `Print up to --length bytes starting at --offset. Reading past the end of
the file returns what is available.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			data, err := a.client.ReadRange(ctx, locs[0].Endpoint, locs[0].Path, catOffset, catLength)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put LOCAL URL",
	Short: "Upload a file",
	Long: `Upload a local file, replacing the remote file if it exists. Missing
parent directories are created. "-" reads from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args[1:], false, func(ctx context.Context, a *app, locs []location) error {
			dst := locs[0]
			var (
				r    io.Reader
				size int64 = -1
			)
			if args[0] == "-" {
				r = cmd.InOrStdin()
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				fi, err := f.Stat()
				if err != nil {
					return err
				}
				if fi.IsDir() {
					return fmt.Errorf("%s is a directory", args[0])
				}
				r, size = f, fi.Size()
				if dst.Path == "." {
					dst.Path = filepath.Base(args[0])
				}
			}

			err := a.client.Write(ctx, dst.Endpoint, dst.Path, r, size, progressPrinter(cmd))
			if showProgress {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			return err
		})
	},
}

var rmRecursive bool

var rmCmd = &cobra.Command{
	Use:   "rm URL",
	Short: "Delete a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			if rmRecursive {
				return a.client.DeleteDirectoryRecursive(ctx, locs[0].Endpoint, locs[0].Path)
			}
			return a.client.Delete(ctx, locs[0].Endpoint, locs[0].Path)
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Move a file, across shares or servers if needed",
	Long: `Move a file. Within one share a server-side rename is used when possible.
Otherwise the file is copied, verified, and the source deleted. If the source
cannot be deleted after a successful copy a warning is printed and the command
still succeeds.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			src, dst := locs[0], locs[1]
			if dst.Path == "." {
				dst.Path = transport.Base(src.Path)
			}
			report, err := a.client.Move(ctx, src.Endpoint, src.Path, dst.Endpoint, dst.Path)
			if err != nil {
				return err
			}
			for _, w := range report.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w.Message)
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved %s -> %s (%s)\n", src, dst, report.Method)
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename URL NEWNAME",
	Short: "Rename a file or directory in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args[:1], false, func(ctx context.Context, a *app, locs []location) error {
			return a.client.Rename(ctx, locs[0].Endpoint, locs[0].Path, args[1])
		})
	},
}

func init() {
	getCmd.Flags().BoolVar(&showProgress, "progress", false, "report transfer progress on stderr")
	putCmd.Flags().BoolVar(&showProgress, "progress", false, "report transfer progress on stderr")
	catCmd.Flags().Int64Var(&catOffset, "offset", 0, "first byte to read")
	catCmd.Flags().Int64Var(&catLength, "length", 4096, "number of bytes to read")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "delete a directory and everything under it")
}
