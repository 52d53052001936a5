// Package commands implements the sharepool command line.
package commands

import (
	stderr "errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharepool/sharepool/pkg/errors"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile      string
	logLevel     string
	outputFormat string
	username     string
	domain       string
	timeout      time.Duration
	serveMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "sharepool",
	Short: "Pooled, self-healing access to SMB shares and S3 buckets",
	Long: `sharepool runs file operations against remote shares through a connection
pool with admission control and automatic recovery from transport failures.

Remote locations are URLs: smb://server[:port]/share/path or s3://host[:port]/bucket/key.

Credentials come from --user with SHAREPOOL_PASSWORD, from SHAREPOOL_USERNAME,
SHAREPOOL_PASSWORD and SHAREPOOL_DOMAIN, or from the OS keyring (see "sharepool login").`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", describe(err))
		return exitCode(err)
	}
	return 0
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML)")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format (table|json)")
	pf.StringVarP(&username, "user", "u", "", "username; the password is read from SHAREPOOL_PASSWORD")
	pf.StringVar(&domain, "domain", "", "authentication domain")
	pf.DurationVar(&timeout, "timeout", 0, "abort the command after this long (0 waits indefinitely)")
	pf.BoolVar(&serveMetrics, "serve-metrics", false, "serve Prometheus metrics while the command runs")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(lsCmd, scanCmd, countCmd, statCmd, existsCmd)
	rootCmd.AddCommand(getCmd, catCmd, putCmd, rmCmd, mvCmd, renameCmd)
	rootCmd.AddCommand(sharesCmd, testCmd, checkWritableCmd, resetCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sharepool %s (commit: %s)\n", Version, Commit)
	},
}

func describe(err error) string {
	var e *errors.Error
	if stderr.As(err, &e) {
		msg := e.UserFacingMessage()
		if e.Message != "" && e.Message != msg {
			msg += ": " + e.Message
		}
		return msg + "\n" + e.GetRecommendation()
	}
	return err.Error()
}

// exitCode gives scripts a coarse reason for failure.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return 2
	case errors.ErrCodeAuthenticationFailed, errors.ErrCodeAuthorizationFailed, errors.ErrCodeCredentialsMissing:
		return 3
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset, errors.ErrCodeCriticalTransport, errors.ErrCodeUnreachable:
		return 4
	case errors.ErrCodeCancelled:
		return 130
	}
	return 1
}
