package cli

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/pkg/manual"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Record balance changes of manually tracked services",
}

var manualTopupCmd = &cobra.Command{
	Use:   "topup <service> <amount>",
	Short: "Record a top-up",
	Args:  cobra.ExactArgs(2),
	RunE: withAmount(func(ctx context.Context, g *guardian, key string, amount decimal.Decimal) (model.ManualState, error) {
		return g.tracker.RecordTopup(ctx, key, amount)
	}),
}

var manualSpendCmd = &cobra.Command{
	Use:   "spend <service> <amount>",
	Short: "Record consumption since the last entry",
	Args:  cobra.ExactArgs(2),
	RunE: withAmount(func(ctx context.Context, g *guardian, key string, amount decimal.Decimal) (model.ManualState, error) {
		return g.tracker.RecordConsumption(ctx, key, amount)
	}),
}

var manualBeginCmd = &cobra.Command{
	Use:   "begin <service>",
	Short: "Start a top-up entry; the amount follows with 'manual topup'",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, g *guardian, key string) (model.ManualState, error) {
		return g.tracker.BeginTopupEntry(ctx, key)
	}),
}

var manualCancelCmd = &cobra.Command{
	Use:   "cancel <service>",
	Short: "Cancel a pending top-up entry",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, g *guardian, key string) (model.ManualState, error) {
		return g.tracker.CancelTopupEntry(ctx, key)
	}),
}

func init() {
	rootCmd.AddCommand(manualCmd)
	manualCmd.AddCommand(manualTopupCmd, manualSpendCmd, manualBeginCmd, manualCancelCmd)
}

type manualOp func(ctx context.Context, g *guardian, key string) (model.ManualState, error)

func withAmount(op func(ctx context.Context, g *guardian, key string, amount decimal.Decimal) (model.ManualState, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", args[1], err)
		}
		return withService(func(ctx context.Context, g *guardian, key string) (model.ManualState, error) {
			return op(ctx, g, key, amount)
		})(cmd, args)
	}
}

func withService(op manualOp) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		g, err := initGuardian(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer g.Close()

		key := args[0]
		st, err := op(cmd.Context(), g, key)
		if err != nil {
			return err
		}

		svc, err := g.registry.Get(key)
		if err != nil {
			return err
		}
		printManualState(svc, st)
		return nil
	}
}

func printManualState(svc model.Service, st model.ManualState) {
	fmt.Printf("%s:\n", svc.DisplayName())
	fmt.Printf("  Phase:          %s\n", st.Phase)
	fmt.Printf("  Balance:        %s\n", money(st.Balance, svc.Currency))
	rate := svc.DailyRate
	if st.DailyEstimate.IsPositive() {
		rate = st.DailyEstimate
		fmt.Printf("  Daily estimate: %s\n", money(st.DailyEstimate, svc.Currency))
	}
	if rate.IsPositive() {
		fmt.Printf("  Covers:         %d days\n", manual.CoverageDays(st.Balance, rate))
	}
	if !st.LastTopupAt.IsZero() {
		fmt.Printf("  Last top-up:    %s on %s\n", money(st.LastTopupAmount, svc.Currency), st.LastTopupAt.Format("2006-01-02"))
	}
}
