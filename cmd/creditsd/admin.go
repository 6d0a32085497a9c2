package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/plan"
)

// withLedger wires the app, starts the ledger (which migrates the store)
// and runs fn against it.
func withLedger(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := wire(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ledger().Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.ledger().Stop() }()

	return fn(ctx, a)
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, v, func(_ context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.Store)
				return nil
			})
		},
	}
}

func newSeedPlansCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-plans",
		Short: "Create the stock plan catalog, skipping plans that exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, v, func(ctx context.Context, a *app) error {
				n, err := a.ledger().SeedPlans(ctx, plan.DefaultCatalog())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d plans\n", n)
				return nil
			})
		},
	}
}

func newBalanceCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, v, func(ctx context.Context, a *app) error {
				bal, err := a.ledger().Balance(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(bal)
				}
				fmt.Fprintf(out, "%s: %d available, %d used\n", args[0], bal.Available, bal.TotalUsed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newGrantCmd(v *viper.Viper) *cobra.Command {
	var (
		kind        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "grant <account> <amount>",
		Short: "Add bonus or refund credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}
			k := entry.Kind(kind)
			if k != entry.KindBonus && k != entry.KindRefund {
				return fmt.Errorf("kind must be %s or %s", entry.KindBonus, entry.KindRefund)
			}

			return withLedger(cmd, v, func(ctx context.Context, a *app) error {
				if err := a.ledger().Grant(ctx, credits.GrantRequest{
					AccountID:   args[0],
					Amount:      amount,
					Kind:        k,
					Description: description,
				}); err != nil {
					return err
				}
				bal, err := a.ledger().Balance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s (available %d)\n",
					amount, args[0], bal.Available)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(entry.KindBonus), "bonus or refund")
	cmd.Flags().StringVar(&description, "description", "Manual grant", "ledger entry description")
	return cmd
}
