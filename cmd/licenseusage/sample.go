package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Take the daily usage sample if it is due",
	Long: `Take the daily usage sample if the next-run marker says it is due.
Meant to be run every few minutes from cron or a systemd timer. A count
backend that is temporarily unavailable is logged and the run is skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		return s.sampler.MaybeUpdateHistory(ctx, s.instanceID, s.siteHash)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Take a usage sample now",
	Long: `Take a usage sample now, regardless of the next-run marker. Every
failure, including an unavailable count backend, is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.sampler.UpdateHistory(ctx, s.instanceID, s.siteHash); err != nil {
			return err
		}

		h, err := s.store.ReadHistory(ctx, s.instanceID)
		if err != nil {
			return err
		}
		latest, ok := h.Latest()
		if !ok {
			return nil
		}
		fmt.Printf("Latest sample from %s: %d hosts, %d services (%d samples in history)\n",
			latest.Time().Format("2006-01-02"), latest.NumHosts, latest.NumServices, h.Len())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(updateCmd)
}
