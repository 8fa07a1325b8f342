package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/aggregate"
	"github.com/thannaske/licenseusage/pkg/models"
)

var (
	reportUser string
	reportJSON bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compute monthly service averages for the subscription",
	Long: `Average the daily service counts of every complete subscription month,
report the last and the highest month and the first month that reached the
subscription limit. The monthly averages are archived in the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		h, err := s.store.ReadHistory(ctx, s.instanceID)
		if err != nil {
			return err
		}
		report := aggregate.Aggregate(time.Now(), reportUser, s.details, h.ServiceCounts())

		for i := range report.Monthly {
			report.Monthly[i].SiteHash = s.siteHash
		}
		if len(report.Monthly) > 0 {
			if err := s.db.StoreMonthlyAverages(ctx, s.siteHash, report.Monthly); err != nil {
				return xerrors.Errorf("archive monthly averages: %w", err)
			}
		}

		if reportJSON {
			doc := map[string]any{"report": report}
			if s.details != nil {
				doc["subscription"] = s.details.ForReport()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}

		if s.details == nil {
			fmt.Printf("No subscription configured; %d days of samples available.\n", len(report.Daily))
			return nil
		}
		fmt.Printf("Subscription %s - %s, limit %s\n\n",
			s.details.StartTime().Format(time.DateOnly),
			s.details.EndTime().Format(time.DateOnly),
			formatLimit(report),
		)
		if len(report.Monthly) == 0 {
			fmt.Println("No complete subscription month yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
		fmt.Fprintln(w, "Month\tServices\tSamples\t")
		fmt.Fprintln(w, "-----\t--------\t-------\t")
		for i := range report.Monthly {
			m := &report.Monthly[i]
			fmt.Fprintf(w, "%s - %s\t%.2f\t%d\t%s\n",
				m.Start.Format(time.DateOnly),
				m.End.AddDate(0, 0, -1).Format(time.DateOnly),
				m.AvgServices,
				m.DataPoints,
				marks(report, m),
			)
		}
		return w.Flush()
	},
}

func formatLimit(r aggregate.Report) string {
	if !r.Subscription.Limit.Finite() {
		return "unlimited"
	}
	return formatCount(r.Subscription.Limit.Value) + " services"
}

func marks(r aggregate.Report, m *models.MonthlyServiceAverage) string {
	var out string
	if m == r.Highest {
		out += " highest"
	}
	if m == r.FirstBreach {
		out += " first over limit"
	}
	if m == r.Last {
		out += " last"
	}
	return out
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportUser, "user", os.Getenv("USER"), "User the report is created for")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
}
