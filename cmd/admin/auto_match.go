package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/infrastructure/postgres"
)

func autoMatchCmd() *cobra.Command {
	var (
		tenantIDs string
		all       bool
		workers   int
		threshold float64
		window    time.Duration
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "auto-match",
		Short: "Apply high-confidence matches for recent unmatched transactions",
		Long: `Apply high-confidence matches for recent unmatched transactions.

Examples:
  # Run for one tenant
  admin auto-match --tenant=acme

  # Run for several tenants
  admin auto-match --tenant=acme,globex

  # Run for every tenant with an active connection
  admin auto-match --all --workers=8

  # Only apply near-certain matches from the last week
  admin auto-match --all --threshold=0.97 --window=168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantIDs == "" && !all {
				return fmt.Errorf("must specify --tenant or --all")
			}
			if threshold < 0 || threshold > 1 {
				return fmt.Errorf("--threshold must be within [0,1]")
			}
			if window <= 0 {
				return fmt.Errorf("--window must be positive")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = e.cfg.Matching.AutoApplyThreshold
			}
			if threshold < e.cfg.Matching.MinConfidence {
				return fmt.Errorf("--threshold %.2f is below the minimum confidence %.2f", threshold, e.cfg.Matching.MinConfidence)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var ids []string
			if all {
				enc, err := e.encryptor()
				if err != nil {
					return err
				}
				ids, err = postgres.NewConnectionRepository(e.db, enc).ListTenants(ctx)
				if err != nil {
					return fmt.Errorf("failed to list tenants: %w", err)
				}
				fmt.Printf("Found %d tenants with active connections\n", len(ids))
			} else {
				for _, id := range strings.Split(tenantIDs, ",") {
					if id = strings.TrimSpace(id); id != "" {
						ids = append(ids, id)
					}
				}
			}
			if len(ids) == 0 {
				fmt.Println("No tenants to process")
				return nil
			}

			applier, err := e.autoApplier(workers)
			if err != nil {
				return err
			}

			fmt.Printf("Starting auto-match for %d tenant(s) with %d workers\n", len(ids), workers)
			start := time.Now()

			failed := 0
			for _, id := range ids {
				scope, err := tenant.For(id)
				if err != nil {
					return fmt.Errorf("invalid tenant %q: %w", id, err)
				}
				result, err := applier.Run(ctx, scope, window, threshold)
				if err != nil {
					fmt.Printf("\n=== Tenant %s ===\n  Failed: %v\n", id, err)
					failed++
					continue
				}
				printResult(id, result)
			}

			fmt.Printf("\nAuto-match completed in %v\n", time.Since(start))
			if failed > 0 {
				return fmt.Errorf("auto-match failed for %d tenant(s)", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDs, "tenant", "", "Tenant ID(s) to process (comma-separated for multiple)")
	cmd.Flags().BoolVar(&all, "all", false, "Process every tenant with an active connection")
	cmd.Flags().IntVar(&workers, "workers", matching.DefaultAutoApplyWorkers, "Number of concurrent workers")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.9, "Minimum confidence to apply (defaults to MATCH_AUTO_APPLY_THRESHOLD)")
	cmd.Flags().DurationVar(&window, "window", matching.DefaultAutoApplyWindow, "How far back to look for unmatched transactions")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Timeout for the whole run")

	return cmd
}

func printResult(tenantID string, result *matching.AutoApplyResult) {
	fmt.Printf("\n=== Tenant %s ===\n", tenantID)
	fmt.Printf("  Transactions checked: %d\n", result.TransactionsChecked)
	fmt.Printf("  Candidates found:     %d\n", result.CandidatesFound)
	fmt.Printf("  Applied:              %d\n", result.Applied)
	fmt.Printf("  Skipped:              %d\n", result.Skipped)

	if len(result.Errors) > 0 {
		fmt.Printf("  Errors:               %d\n", len(result.Errors))
		for i, e := range result.Errors {
			if i >= 5 {
				fmt.Printf("    ... and %d more errors\n", len(result.Errors)-5)
				break
			}
			fmt.Printf("    - %s\n", e)
		}
	}
}
