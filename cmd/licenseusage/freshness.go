package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thannaske/licenseusage/pkg/sampler"
)

var freshnessCmd = &cobra.Command{
	Use:   "freshness",
	Short: "Check whether the usage history is up to date",
	Long: `Classify the usage history by the age of its newest sample. A history
older than three days is stale; older than five days it is very stale and
configuration activation must be blocked, which is signalled with exit code 2.
An empty history triggers a sample right away.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		f, err := s.sampler.Freshness(ctx, s.instanceID, s.siteHash)
		if err != nil {
			return err
		}
		fmt.Println(f)

		if f.BlocksActivation() {
			return &exitError{
				code: 2,
				msg:  fmt.Sprintf("no usage sample in the last %d days, activation is blocked", int(sampler.VeryStaleAfter.Hours()/24)),
			}
		}
		if f == sampler.Stale {
			fmt.Printf("Warning: no usage sample in the last %d days.\n", int(sampler.StaleAfter.Hours()/24))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(freshnessCmd)
}
