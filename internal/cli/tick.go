package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/pkg/alerts"
	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single evaluation tick and exit",
	Long: `Run one sweep (fetch API balances, check sources, low balances and top-ups)
or one daily check (low balances, monthly payments and top-up runways), deliver
any alerts, and exit. With --dry-run the alerts are only printed.`,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().StringP("kind", "k", "sweep", "Tick kind (sweep, daily)")
	tickCmd.Flags().Bool("dry-run", false, "Show the alerts that would fire without recording or delivering them")
}

func runTick(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kindFlag, _ := cmd.Flags().GetString("kind")
	kind := model.TickKind(kindFlag)
	if kind != model.TickSweep && kind != model.TickDaily {
		return fmt.Errorf("invalid tick kind %q (valid: sweep, daily)", kindFlag)
	}
	dry, _ := cmd.Flags().GetBool("dry-run")

	g, err := initGuardian(cmd.Context(), cfg, !dry)
	if err != nil {
		return err
	}
	defer g.Close()

	tick := g.driver.Tick
	if dry {
		tick = g.driver.DryTick
	}
	report, err := tick(cmd.Context(), kind)
	if err != nil {
		return err
	}
	if dry {
		fmt.Println("Dry run: nothing recorded or delivered.")
	}

	fmt.Printf("Tick %s (%s)\n", report.ID, report.Kind)
	fmt.Printf("  Observed:        %d\n", report.Observed)
	fmt.Printf("  Alerts:          %d\n", len(report.Alerts))
	fmt.Printf("  Fetch failures:  %d\n", countFailures(report.Events))
	fmt.Printf("  Delivery errors: %d\n", report.DeliveryErrors)

	if len(report.Alerts) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  SERVICE\tKIND\tLEVEL\tTITLE\n")
		for _, a := range report.Alerts {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.ServiceKey, a.Kind, a.Level, alerts.Title(a))
		}
		w.Flush()
	}
	return nil
}

func countFailures(events []evaluator.Event) int {
	var n int
	for _, ev := range events {
		if ev.Kind == evaluator.EventFetchFailed {
			n++
		}
	}
	return n
}
