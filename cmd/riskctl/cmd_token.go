package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-lending/internal/auth"
	"github.com/ksred/klear-lending/internal/config"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		clientID string
		roles    []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an internal caller",
		Long: `Sign a JWT with the configured secret. Callers holding the ops role may
use the internal routes; viewers may only read.

Examples:
  riskctl token --client collections-ui --role viewer
  riskctl token --client payments-gateway --role ops --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			for _, r := range roles {
				if r != auth.RoleViewer && r != auth.RoleOperations {
					return fmt.Errorf("unknown role %q", r)
				}
			}

			tok, err := auth.NewService(cfg.Auth.JWTSecret).IssueToken(clientID, roles, ttl)
			if err != nil {
				return err
			}

			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), tok)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.Expiration.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "Client identifier carried in the token")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "Roles to grant (viewer, ops)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}
