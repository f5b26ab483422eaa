package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/dmbridge/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject   string
		expiresIn string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an operator API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; the API is open")
			}
			if expiresIn == "" {
				expiresIn = cfg.Auth.JWTExpiresIn
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, auth.ParseExpiresIn(expiresIn, 24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "token lifetime, e.g. 24h (default auth.jwt_expires_in)")
	return cmd
}
