package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aicmr/cms-session/internal/app"
	"github.com/aicmr/cms-session/internal/timeout"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errSessionOver = errors.New("session over")

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the session timeout in the foreground",
		Long: `watch arms the session timeout for the stored session and prints the
warning countdown. Type "extend" to refresh the credentials, "logout" to sign
out, or anything else to register activity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			done := make(chan struct{})
			var endOnce sync.Once

			onEvent := func(e timeout.Event) {
				switch e.Kind {
				case timeout.EventArmed:
					fmt.Fprintln(out, "Session active.")
				case timeout.EventWarning:
					fmt.Fprintf(out, "Your session expires in %d seconds. Type \"extend\" to stay signed in.\n", e.SecondsRemaining)
				case timeout.EventTick:
					if e.SecondsRemaining%30 == 0 || e.SecondsRemaining <= 10 {
						fmt.Fprintf(out, "%d seconds left.\n", e.SecondsRemaining)
					}
				case timeout.EventExtended:
					fmt.Fprintln(out, "Session extended.")
				case timeout.EventExpired:
					fmt.Fprintf(out, "Session ended (%s).\n", e.Reason)
					endOnce.Do(func() { close(done) })
				}
			}

			rt, err := app.New(c.cfg, c.logger, app.WithRegistry(c.registry), app.WithOnEvent(onEvent))
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.Auth.IsLoggedIn() {
				return errors.New("not signed in")
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			rt.Resume(ctx)

			g.Go(func() error {
				return c.serveMetrics(ctx)
			})

			g.Go(func() error {
				select {
				case <-done:
					return errSessionOver
				case <-ctx.Done():
					return ctx.Err()
				}
			})

			lines := make(chan string)

			// The scanner may stay blocked in a read on stdin after the
			// session ends, but never on sending to lines.
			go readLines(ctx, cmd.InOrStdin(), lines)

			g.Go(func() error {
				return handleInput(ctx, rt, lines, c.logger)
			})

			err = g.Wait()
			if errors.Is(err, errSessionOver) || errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- strings.TrimSpace(scanner.Text()):
		case <-ctx.Done():
			return
		}
	}
}

func handleInput(ctx context.Context, rt *app.Runtime, lines <-chan string, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}

			switch line {
			case "extend":
				if err := rt.Timeout.Extend(ctx); err != nil {
					logger.Info("extend failed", slog.String("error", err.Error()))
				}
			case "logout":
				rt.Timeout.Logout(ctx)
			default:
				rt.Timeout.Activity()
			}
		}
	}
}
