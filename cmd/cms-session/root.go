package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aicmr/cms-session/internal/api"
	"github.com/aicmr/cms-session/internal/app"
	"github.com/aicmr/cms-session/internal/config"
	"github.com/aicmr/cms-session/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// cli carries what every subcommand needs once config is loaded.
type cli struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "cms-session",
		Short: "Sign in to the CMS API and keep the session alive",
		Long: `cms-session manages an authenticated session against the CMS REST API:
sign-in, credential refresh, anti-forgery tokens and the idle session timeout.
Configuration comes from the environment or a .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			c.cfg = cfg
			c.logger = logging.NewLogger(cfg.Environment)
			c.registry = prometheus.NewRegistry()
			c.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			return nil
		},
	}

	root.AddCommand(
		newLoginCmd(c),
		newRegisterCmd(c),
		newLogoutCmd(c),
		newRefreshCmd(c),
		newWhoamiCmd(c),
		newStatusCmd(c),
		newWatchCmd(c),
		newFakeAPICmd(c),
	)

	return root
}

// runtime opens the auth runtime. Navigation to the login page is a
// message on stderr in a terminal.
func (c *cli) runtime(cmd *cobra.Command) (*app.Runtime, error) {
	nav := api.NavigatorFunc(func() {
		fmt.Fprintln(cmd.ErrOrStderr(), "Session ended. Run `cms-session login` to sign in again.")
	})

	return app.New(c.cfg, c.logger, app.WithRegistry(c.registry), app.WithNavigator(nav))
}

// serveMetrics exposes the registry on cfg.MetricsAddr until ctx ends. It
// is a no-op when no address is configured.
func (c *cli) serveMetrics(ctx context.Context) error {
	if c.cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("serving metrics", slog.String("listen", c.cfg.MetricsAddr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}

// prompt reads one line from scanner after printing label to out.
func prompt(scanner *bufio.Scanner, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", errors.New("no input")
	}

	return strings.TrimSpace(scanner.Text()), nil
}
