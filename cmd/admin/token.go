package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledgermatch/internal/shared/auth"
	"ledgermatch/internal/shared/config"
)

func issueTokenCmd() *cobra.Command {
	var tenantID, subject string

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token scoped to one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			token, err := auth.NewJWT(cfg.Auth.JWTSecret).Generate(tenantID, subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the token is scoped to")
	cmd.Flags().StringVar(&subject, "subject", "admin", "Subject recorded in the token")
	return cmd
}
