package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/aggregate"
)

var (
	year        int
	historyJSON bool
)

// formatCount renders a count with thousands separators.
func formatCount(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return string(out)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived monthly service averages",
	Long:  `Display the monthly service averages archived by the report command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		// If no year specified, use the last twelve months
		now := time.Now().UTC()
		from := aggregate.AddMonths(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), -12)
		to := now
		if year != 0 {
			from = time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
			to = from.AddDate(1, 0, 0)
		}

		averages, err := s.db.GetMonthlyAverages(ctx, s.siteHash, from, to)
		if err != nil {
			return xerrors.Errorf("retrieve monthly averages: %w", err)
		}
		if len(averages) == 0 {
			fmt.Printf("No monthly averages archived between %s and %s\n", from.Format(time.DateOnly), to.Format(time.DateOnly))
			return nil
		}

		fmt.Printf("Monthly Average Services for site %s\n\n", s.siteHash)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
		fmt.Fprintln(w, "Month\tServices\tSamples")
		fmt.Fprintln(w, "-----\t--------\t-------")
		for _, avg := range averages {
			fmt.Fprintf(w, "%s - %s\t%.2f\t%d\n",
				avg.Start.Format(time.DateOnly),
				avg.End.AddDate(0, 0, -1).Format(time.DateOnly),
				avg.AvgServices,
				avg.DataPoints,
			)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the local usage history",
	Long:  `Display the samples in the local usage history, newest first.`,
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

		if historyJSON {
			raw, err := h.MarshalReport()
			if err != nil {
				return err
			}
			_, err = fmt.Println(string(raw))
			return err
		}

		if h.Len() == 0 {
			fmt.Println("No usage samples recorded yet")
			return nil
		}

		fmt.Printf("Usage History for site %s\n", s.siteHash)
		if modTime, ok := s.store.HistoryModTime(); ok {
			fmt.Printf("Last written %s\n", modTime.Format(time.DateTime))
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
		fmt.Fprintln(w, "Date\tHosts\tServices\tCloud\tShadow\tExcluded\tSynthetic\tVersion")
		fmt.Fprintln(w, "----\t-----\t--------\t-----\t------\t--------\t---------\t-------")
		for _, sample := range h.Samples() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				sample.Time().Format(time.DateOnly),
				formatCount(sample.NumHosts),
				formatCount(sample.NumServices),
				formatCount(sample.NumServicesCloud),
				formatCount(sample.NumServicesShadow),
				formatCount(sample.NumServicesExcluded),
				formatCount(sample.NumSyntheticTests+sample.NumSyntheticKPIs),
				sample.Version,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)

	listCmd.Flags().IntVar(&year, "year", 0, "Year to list (default: the last twelve months)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the history document as JSON")
}
