package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sharepool/sharepool/internal/client"
	"github.com/sharepool/sharepool/internal/scan"
	"github.com/sharepool/sharepool/internal/transport"
)

var lsCmd = &cobra.Command{
	Use:   "ls URL",
	Short: "List a directory",
	Long: `List the entries of a remote directory. Hidden entries are not shown.

Examples:
  sharepool ls smb://nas/media
  sharepool ls smb://nas/media/Movies -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			entries, err := a.client.List(ctx, locs[0].Endpoint, locs[0].Path)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		})
	},
}

var (
	scanExtensions []string
	scanPatterns   []string
	scanRecursive  bool
	scanLimit      int
	scanOffset     int
	scanProgress   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan URL",
	Short: "Find files by extension or glob",
	Long: `Walk a remote directory and list the files that match. Directories are
visited in lexical order, so --offset and --limit page through stable results.

Examples:
  sharepool scan smb://nas/media --ext mkv --ext mp4 -r
  sharepool scan smb://nas/media --pattern "**/Season */*.mkv" --limit 50 --offset 100`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			opts := client.ScanOptions{
				Extensions: scanExtensions,
				Patterns:   scanPatterns,
				Recursive:  scanRecursive,
				Limit:      scanLimit,
				Offset:     scanOffset,
			}
			if scanProgress {
				opts.Progress = func(p scan.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rscanned %d directories, %d matches", p.Directories, p.Matched)
				}
			}
			entries, err := a.client.Scan(ctx, locs[0].Endpoint, locs[0].Path, opts)
			if scanProgress {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		})
	},
}

var countMax int

var countCmd = &cobra.Command{
	Use:   "count URL",
	Short: "Count matching files",
	Long: `Count files with the given extensions, stopping early at --max.

Examples:
  sharepool count smb://nas/media --ext mkv -r
  sharepool count smb://nas/media --ext jpg -r --max 1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			n, err := a.client.Count(ctx, locs[0].Endpoint, locs[0].Path, scanExtensions, scanRecursive, countMax)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat URL",
	Short: "Show file or directory metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			e, err := a.client.Metadata(ctx, locs[0].Endpoint, locs[0].Path)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), toJSON([]transport.Entry{e})[0])
			}
			kind := "file"
			if e.IsDir {
				kind = "directory"
			}
			printPairs(cmd.OutOrStdout(), [][2]string{
				{"Location", locs[0].String()},
				{"Type", kind},
				{"Size", strconv.FormatInt(e.Size, 10)},
				{"Modified", modified(e.ModTime)},
			})
			return nil
		})
	},
}

var existsCmd = &cobra.Command{
	Use:   "exists URL",
	Short: "Report whether a path exists",
	Long:  `Print true or false. A missing share is an error rather than false.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, false, func(ctx context.Context, a *app, locs []location) error {
			ok, err := a.client.Exists(ctx, locs[0].Endpoint, locs[0].Path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, countCmd} {
		c.Flags().StringSliceVar(&scanExtensions, "ext", nil, "file extension to match, without the dot (repeatable)")
		c.Flags().BoolVarP(&scanRecursive, "recursive", "r", false, "descend into subdirectories")
	}
	scanCmd.Flags().StringSliceVar(&scanPatterns, "pattern", nil, "doublestar glob matched against the share-relative path (repeatable)")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "return at most this many files (0 for all)")
	scanCmd.Flags().IntVar(&scanOffset, "offset", 0, "skip this many matching files first")
	scanCmd.Flags().BoolVar(&scanProgress, "progress", false, "report traversal progress on stderr")
	countCmd.Flags().IntVar(&countMax, "max", 0, "stop counting at this many (0 for no limit)")
}
