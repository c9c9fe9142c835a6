package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/ncm-audit/internal/tenant"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List registered tenants and their policies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		reg, pool, err := initRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			_ = reg.Close()
			if pool != nil {
				pool.Close()
			}
		}()

		tenants := reg.List()
		if len(tenants) == 0 {
			fmt.Fprintln(os.Stderr, "No tenants registered.")
			return nil
		}
		formatTenants(os.Stdout, tenants)
		return nil
	},
}

func formatTenants(w io.Writer, tenants []tenant.Tenant) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tNAMESPACE\tACTIVE\tAUTO\tREVIEW\tRETRIES\tTIMEOUT\tCONCURRENCY")
	for _, t := range tenants {
		active := "yes"
		if !t.Active {
			active = "suspended"
		}
		c := t.Config
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%d\t%s\t%d\n",
			t.ID, t.Name, t.Namespace, active,
			c.AutoApproveThreshold, c.ReviewThreshold, c.MaxRetries, c.StageTimeout, c.MaxConcurrentProducts)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	rootCmd.AddCommand(tenantsCmd)
}
