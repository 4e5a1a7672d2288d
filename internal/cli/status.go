package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last known balance and alert state of every service",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	g, err := initGuardian(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer g.Close()

	state := g.driver.State()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	fmt.Printf("=== Balance Status ===\n")
	for _, kind := range []model.TickKind{model.TickSweep, model.TickDaily} {
		last := state.LastRun[kind]
		if last.IsZero() {
			fmt.Printf("Last %-6s never\n", string(kind)+":")
			continue
		}
		fmt.Printf("Last %-6s %s\n", string(kind)+":", last.In(loc).Format("2006-01-02 15:04 MST"))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SERVICE\tMODE\tBALANCE\tTHRESHOLD\tAS OF\tFIRED\tFAILURES\n")
	for _, svc := range g.registry.All() {
		balance, asOf := "-", "-"
		if svc.Mode == model.ModeManual {
			ms, err := g.tracker.State(cmd.Context(), svc.Key)
			if err != nil {
				return err
			}
			balance = money(ms.Balance, svc.Currency)
			if ms.Phase == model.PhaseAwaitingTopup {
				balance += " (awaiting top-up)"
			}
			if !ms.UpdatedAt.IsZero() {
				asOf = ms.UpdatedAt.In(loc).Format("2006-01-02 15:04")
			}
		} else if obs, ok := state.Current[svc.Key]; ok {
			balance = money(obs.Amount, svc.Currency)
			asOf = obs.ObservedAt.In(loc).Format("2006-01-02 15:04")
		}

		threshold := "-"
		if svc.HasThreshold() {
			threshold = money(svc.Threshold, svc.Currency)
		}

		var fired []string
		for _, as := range state.Eval.AlertStates() {
			if as.ServiceKey == svc.Key && !as.Armed {
				fired = append(fired, string(as.Kind))
			}
		}
		firedCol := "-"
		if len(fired) > 0 {
			firedCol = strings.Join(fired, ",")
		}

		failures := 0
		if h, ok := state.Eval.Health[svc.Key]; ok {
			failures = h.ConsecutiveFailures
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			svc.DisplayName(), svc.Mode, balance, threshold, asOf, firedCol, failures)
	}
	return w.Flush()
}

func money(d decimal.Decimal, currency string) string {
	return d.StringFixed(2) + " " + currency
}
