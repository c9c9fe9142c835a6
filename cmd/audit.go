package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/pipeline"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

var auditCmd = &cobra.Command{
	Use:   "audit <product-id>",
	Short: "Print the audit trail of one product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tenantID, _ := cmd.Flags().GetString("tenant")
		asJSON, _ := cmd.Flags().GetBool("json")

		if err := cfg.Validate(); err != nil {
			return err
		}
		reg, pool, err := initRegistry(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = reg.Close()
			if pool != nil {
				pool.Close()
			}
		}()

		trail, err := auditTrail(cmd, reg, tenantID, args[0])
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(trail)
		}
		if len(trail) == 0 {
			fmt.Fprintln(os.Stderr, "No stage results recorded.")
			return nil
		}
		formatTrail(os.Stdout, trail)
		return nil
	},
}

// auditTrail reads the trail through an orchestrator with no classifier; it
// never runs a pipeline.
func auditTrail(cmd *cobra.Command, reg *tenant.Registry, tenantID, productID string) ([]model.StageResult, error) {
	o := pipeline.NewOrchestrator(reg, nil, retryBackoff())
	defer o.Close()
	return o.AuditTrail(cmd.Context(), tenantID, productID)
}

func formatTrail(w io.Writer, trail []model.StageResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tATTEMPT\tOUTCOME\tSOURCE\tVALUE\tCONFIDENCE\tERROR\tELAPSED\tAT")
	for _, r := range trail {
		conf := "-"
		if r.Confidence != nil {
			conf = fmt.Sprintf("%.3f", *r.Confidence)
		}
		errText := ""
		if r.ErrorKind != "" {
			errText = string(r.ErrorKind)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Stage, r.Attempt, r.Outcome, r.Source, r.Value, conf, errText,
			r.Elapsed.Round(1e6), r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	auditCmd.Flags().String("tenant", "", "tenant ID (required)")
	auditCmd.Flags().Bool("json", false, "print the trail as JSON")
	_ = auditCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(auditCmd)
}
