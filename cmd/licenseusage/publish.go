package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/publish"
)

var publishList bool

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload the usage history to an S3-compatible bucket",
	Long: `Upload the obfuscated usage history report to the configured bucket as
<site hash>/<date>.json. With --list, show the reports already uploaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		client, err := publish.NewClient(ctx, cfg.S3)
		if err != nil {
			return xerrors.Errorf("initialize S3 client: %w", err)
		}

		if publishList {
			reports, err := client.ListReports(ctx, s.siteHash)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Printf("No reports uploaded for site %s\n", s.siteHash)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "Key\tSize\tUploaded")
			fmt.Fprintln(w, "---\t----\t--------")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%d\t%s\n", r.Key, r.Size, r.LastModified.Format(time.DateTime))
			}
			return w.Flush()
		}

		h, err := s.store.ReadHistory(ctx, s.instanceID)
		if err != nil {
			return err
		}
		if h.Len() == 0 {
			return xerrors.New("the usage history is empty, nothing to publish")
		}
		raw, err := h.MarshalReport()
		if err != nil {
			return err
		}

		key, err := client.UploadReport(ctx, s.siteHash, time.Now(), raw)
		if err != nil {
			return err
		}
		s.log.Info(ctx, "usage report published")
		fmt.Printf("Uploaded %d samples to s3://%s/%s\n", h.Len(), cfg.S3.Bucket, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().BoolVar(&publishList, "list", false, "List uploaded reports instead of uploading")
}
