package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	session "github.com/goliatone/go-session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type rootOptions struct {
	verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "session-gate",
		Short:         "Session gated web front end for a hosted identity broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "trace level logging")

	root.AddCommand(newServeCommand(opts), newConfigCommand())
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

Configuration is read from SESSION_* environment variables. At a minimum
SESSION_BROKER_DOMAIN, SESSION_CLIENT_ID, SESSION_USER_POOL_ID,
SESSION_API_BASE_URL and SESSION_APP_BASE_URL must be set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := session.LoadConfig()
			if err != nil {
				return err
			}
			cfg.ClientSecret = redact(cfg.ClientSecret)
			cfg.StateKey = redact(cfg.StateKey)
			fmt.Fprintln(cmd.OutOrStdout(), print.MaybePrettyJSON(cfg))
			return nil
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := session.LoadConfig()
	if err != nil {
		return err
	}

	lgr := newLogger(opts.verbose || traceLevel(cfg.LogLevel))
	logger := lgr.GetLogger("app")
	logger.Debug("configuration loaded", "listen", cfg.ListenAddr, "broker", cfg.BrokerURL())

	app := &App{config: cfg}
	app.SetLogger(lgr)

	if err := WithTelemetry(ctx, app); err != nil {
		return err
	}

	if err := WithSession(ctx, app); err != nil {
		return err
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		return err
	}

	RegisterRoutes(app)

	if err := app.store.Initialize(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		return app.srv.Serve(cfg.ListenAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return app.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		return err
	}
	return nil
}

func newLogger(verbose bool) *glog.BaseLogger {
	if verbose {
		return glog.NewLogger(
			glog.WithLoggerTypePretty(),
			glog.WithLevel(glog.Trace),
			glog.WithName("app"),
			glog.WithAddSource(false),
			glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
		)
	}
	return glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithName("app"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
}

func traceLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return true
	default:
		return false
	}
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return "********"
}
