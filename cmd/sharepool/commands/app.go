package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sharepool/sharepool/internal/client"
	"github.com/sharepool/sharepool/internal/config"
	"github.com/sharepool/sharepool/internal/credentials"
	"github.com/sharepool/sharepool/internal/logging"
	"github.com/sharepool/sharepool/internal/metrics"
	"github.com/sharepool/sharepool/internal/transport"
	s3transport "github.com/sharepool/sharepool/internal/transport/s3"
	"github.com/sharepool/sharepool/internal/transport/smb"
)

// app is everything one command invocation needs.
type app struct {
	config  *config.Configuration
	logger  *slog.Logger
	client  *client.Client
	metrics *metrics.Collector
	creds   *credentials.Memory
	closers []io.Closer
}

func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.Level = strings.ToUpper(logLevel)
	}
	return cfg, cfg.Validate()
}

// envCredentials returns the identity given on the command line or in the
// environment. Flags win over SHAREPOOL_USERNAME and SHAREPOOL_DOMAIN.
func envCredentials(urlUser string) (transport.Credentials, bool) {
	creds := transport.Credentials{
		Username: os.Getenv("SHAREPOOL_USERNAME"),
		Password: os.Getenv("SHAREPOOL_PASSWORD"),
		Domain:   os.Getenv("SHAREPOOL_DOMAIN"),
	}
	if urlUser != "" {
		creds.Username = urlUser
	}
	if username != "" {
		creds.Username = username
	}
	if domain != "" {
		creds.Domain = domain
	}
	return creds, creds.Username != ""
}

func newApp(ctx context.Context, locs ...location) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.New(cfg.Global)
	if err != nil {
		return nil, err
	}
	a := &app{config: cfg, logger: logger, creds: credentials.NewMemory(), closers: []io.Closer{logCloser}}

	collector, err := metrics.NewCollector(&cfg.Metrics)
	if err != nil {
		a.close()
		return nil, err
	}
	a.metrics = collector
	if serveMetrics {
		if err := collector.Start(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	// explicit identities apply server-wide to every location on the command line
	for _, loc := range locs {
		if creds, ok := envCredentials(loc.User); ok {
			_ = a.creds.Set(loc.Endpoint.Server, "", creds)
		}
	}
	lookup := credentials.Chain{a.creds}
	if ring, err := credentials.OpenKeyring(credentials.DefaultServiceName); err != nil {
		logger.Debug("keyring unavailable", "error", err)
	} else {
		lookup = append(lookup, ring)
	}

	c, err := client.New(cfg,
		client.WithTransport(transport.ProtocolSMB, smb.NewFactory(logger)),
		client.WithTransport(transport.ProtocolS3, s3transport.NewFactory(cfg.S3, logger)),
		client.WithCredentials(credentials.NewCached(lookup)),
		client.WithMetrics(collector),
		client.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = c
	return a, nil
}

func (a *app) close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("client close failed", "error", err)
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Stop(context.Background())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// commandContext is cancelled by SIGINT, SIGTERM or --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

// run parses the location arguments, builds the app and runs fn.
func run(cmd *cobra.Command, raw []string, allowNoShare bool, fn func(ctx context.Context, a *app, locs []location) error) error {
	locs := make([]location, 0, len(raw))
	for _, r := range raw {
		loc, err := parseLocation(r, allowNoShare)
		if err != nil {
			return err
		}
		locs = append(locs, loc)
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, locs...)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a, locs)
}
