package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List fired alerts",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringP("service", "s", "", "Filter by service key")
	historyCmd.Flags().StringP("kind", "k", "", "Filter by alert kind")
	historyCmd.Flags().Duration("since", 0, "Only alerts fired within this window (e.g. 72h)")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of alerts")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	service, _ := cmd.Flags().GetString("service")
	kind, _ := cmd.Flags().GetString("kind")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := model.AlertFilter{
		ServiceKey: service,
		Kind:       model.AlertKind(kind),
		Limit:      limit,
	}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	records, err := store.ListAlerts(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No alerts found.")
		return nil
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "FIRED\tSERVICE\tKIND\tLEVEL\tDELIVERED\tMESSAGE\n")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			r.FiredAt.In(loc).Format("2006-01-02 15:04"),
			r.ServiceKey, r.Kind, r.Level, r.Delivered, r.Message,
		)
	}
	return w.Flush()
}
