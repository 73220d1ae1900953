package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/infrastructure/postgres"
)

func purgeStatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-states",
		Short: "Delete expired OAuth authorization states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			n, err := postgres.NewStateRepository(e.db).PurgeExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d expired state(s)\n", n)
			return nil
		},
	}
}

func rotateCredentialCmd() *cobra.Command {
	var tenantID, name string

	cmd := &cobra.Command{
		Use:   "rotate-credential",
		Short: "Replace a tenant credential, keeping the old value as previous",
		Long: `Replace a tenant credential. The new value is read from stdin so it
does not end up in shell history.

Examples:
  echo -n "$NEW_SECRET" | admin rotate-credential --tenant=acme --name=whmcs.secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := tenant.For(tenantID)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			value, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && value == "" {
				return fmt.Errorf("failed to read credential from stdin: %w", err)
			}
			value = strings.TrimSpace(value)

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			enc, err := e.encryptor()
			if err != nil {
				return err
			}
			store := credential.NewStore(postgres.NewCredentialRepository(e.db, enc))
			if err := store.Rotate(cmd.Context(), scope, name, value); err != nil {
				return err
			}
			fmt.Printf("Rotated %s for tenant %s\n", name, scope.ID())
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant that owns the credential")
	cmd.Flags().StringVar(&name, "name", "", "Credential name, e.g. whmcs.secret")
	return cmd
}
