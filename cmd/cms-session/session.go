package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aicmr/cms-session/internal/api"
	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/aicmr/cms-session/internal/models"
	"github.com/spf13/cobra"
)

// credentials resolves email and password from flags, then config, then
// an interactive prompt.
func (c *cli) credentials(cmd *cobra.Command, email, password string) (string, string, error) {
	if email == "" {
		email = c.cfg.Email
	}

	if password == "" {
		password = c.cfg.Password
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())

	var err error
	if email == "" {
		if email, err = prompt(scanner, cmd.ErrOrStderr(), "Email: "); err != nil {
			return "", "", err
		}
	}

	if password == "" {
		if password, err = prompt(scanner, cmd.ErrOrStderr(), "Password: "); err != nil {
			return "", "", err
		}
	}

	return email, password, nil
}

// explain turns API errors into a one-line message for the terminal.
func explain(err error) error {
	var apiErr *api.APIError

	switch {
	case errors.Is(err, autherrors.ErrInvalidCredentials):
		return autherrors.ErrInvalidCredentials
	case errors.Is(err, autherrors.ErrSessionExpired):
		return autherrors.ErrSessionExpired
	case errors.As(err, &apiErr) && apiErr.Detail != "":
		return errors.New(apiErr.Detail)
	}

	return err
}

func newLoginCmd(c *cli) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, password, err := c.credentials(cmd, email, password)
			if err != nil {
				return err
			}

			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.Login(cmd.Context(), models.Credentials{Email: email, Password: password}); err != nil {
				return explain(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s. Session expires in %s.\n", email, c.cfg.SessionTotal)

			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email (default $CMS_EMAIL)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (default $CMS_PASSWORD)")

	return cmd
}

func newRegisterCmd(c *cli) *cobra.Command {
	var email, username, password string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, password, err := c.credentials(cmd, email, password)
			if err != nil {
				return err
			}

			if username == "" {
				return errors.New("--username is required")
			}

			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			user, err := rt.Register(cmd.Context(), models.Profile{Email: email, Username: username, Password: password})
			if err != nil {
				return explain(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (id %d). Run `cms-session login` to sign in.\n", user.Email, user.ID)

			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&username, "username", "u", "", "display name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")

	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Logout(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")

			return nil
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Trade the stored refresh token for a new credential pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.Auth.RefreshToken(cmd.Context()); err != nil {
				return explain(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Credentials refreshed.")

			return nil
		},
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.Auth.IsLoggedIn() {
				return errors.New("not signed in")
			}

			user, err := rt.Auth.CurrentUser(cmd.Context())
			if err != nil {
				return explain(err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(user)
		},
	}
}

type statusReport struct {
	SignedIn  bool      `json:"signed_in"`
	LoginTime time.Time `json:"login_time,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Remaining string    `json:"remaining,omitempty"`
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a session is stored and when it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			report := statusReport{SignedIn: rt.Auth.IsLoggedIn()}

			if loginAt, ok := rt.State.LoginTime(); ok && report.SignedIn {
				report.LoginTime = loginAt
				report.ExpiresAt = loginAt.Add(c.cfg.SessionTotal)
				report.Remaining = max(time.Until(report.ExpiresAt), 0).Truncate(time.Second).String()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(report)
		},
	}
}
