package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aicmr/cms-session/internal/fakeapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newFakeAPICmd(c *cli) *cobra.Command {
	var (
		accessTTL time.Duration
		fixed     bool
	)

	cmd := &cobra.Command{
		Use:   "fake-api",
		Short: "Serve an in-memory CMS backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := c.logger.With(slog.String("service", "fake-api"))

			backend := fakeapi.New(fakeapi.Config{
				AccessTTL:         accessTTL,
				FixedRefreshToken: fixed,
				Logger:            logger,
			})
			defer backend.Close()

			server := &http.Server{
				Addr:         c.cfg.FakeAPIAddr,
				Handler:      backend.Handler(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return c.serveMetrics(ctx)
			})

			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				return server.Shutdown(shutdownCtx)
			})

			g.Go(func() error {
				logger.Info("starting fake CMS API",
					slog.String("listen", c.cfg.FakeAPIAddr),
					slog.String("base_path", fakeapi.BasePath),
					slog.Duration("access_ttl", accessTTL),
				)

				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("fake API server: %w", err)
				}

				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&accessTTL, "access-ttl", 15*time.Minute, "access token lifetime")
	cmd.Flags().BoolVar(&fixed, "fixed-refresh", false, "keep refresh tokens valid across refreshes instead of rotating them")

	return cmd
}
