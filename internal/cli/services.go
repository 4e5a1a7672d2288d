package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the configured services",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services in evaluation order",
	RunE:  runServicesList,
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	servicesCmd.AddCommand(servicesListCmd)
}

func runServicesList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := initRegistry(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tNAME\tMODE\tCURRENCY\tTHRESHOLD\tMONTHLY\tDUE DAY\tDAILY RATE\n")
	for _, svc := range reg.All() {
		threshold, monthly, dueDay, rate := "-", "-", "-", "-"
		if svc.HasThreshold() {
			threshold = svc.Threshold.StringFixed(2)
		}
		if svc.HasMonthlyDue() {
			monthly = svc.MonthlyFee.StringFixed(2)
			dueDay = fmt.Sprintf("%d (-%d)", svc.DueDay, svc.RemindDaysBefore)
		}
		if svc.DailyRate.IsPositive() {
			rate = svc.DailyRate.StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			svc.Key, svc.DisplayName(), svc.Mode, svc.Currency, threshold, monthly, dueDay, rate)
	}
	return w.Flush()
}
