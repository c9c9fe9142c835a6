package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/intake"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/store"
	"github.com/sells-group/ncm-audit/pkg/anthropic"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <file>",
	Short: "Classify a batch of products for a tenant",
	Long:  "Reads products from a CSV, XLSX or JSON file and runs them through the classification pipeline. Interrupting cancels the batch; products already running finish.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tenantID, _ := cmd.Flags().GetString("tenant")
		asJSON, _ := cmd.Flags().GetBool("json")

		inputs, err := intake.ReadProducts(ctx, args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orchestrator.Run(ctx, tenantID, inputs)
		if err != nil {
			return eris.Wrap(err, "classify")
		}

		h, err := env.Registry.Resolve(context.WithoutCancel(ctx), tenantID)
		if err != nil {
			return err
		}
		products := make([]*model.Product, 0, len(run.ProductIDs))
		for _, id := range run.ProductIDs {
			p, err := h.Store().GetProduct(context.WithoutCancel(ctx), id)
			if err != nil {
				if eris.Is(err, store.ErrNotFound) {
					continue // never started
				}
				return eris.Wrapf(err, "classify: load product %s", id)
			}
			products = append(products, p)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Run      model.BatchRun   `json:"run"`
				Products []*model.Product `json:"products"`
			}{run, products})
		}

		formatProducts(os.Stdout, products)
		fmt.Fprintln(os.Stdout)
		formatBatchRun(os.Stdout, run)

		usage := env.Meter.Total()
		fmt.Fprintf(os.Stdout, "  classifier:   %d calls, %d in / %d out tokens, ~$%.4f\n",
			env.Meter.Calls(), usage.InputTokens, usage.OutputTokens, env.Meter.Cost(anthropic.DefaultRates()))

		zap.L().Info("classify complete",
			zap.String("run_id", run.ID),
			zap.Int("processed", run.Processed),
			zap.Bool("cancelled", run.Cancelled),
			zap.Int("classifier_calls", env.Meter.Calls()),
		)
		return nil
	},
}

func formatProducts(w io.Writer, products []*model.Product) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tNCM\tCEST\tCONFIDENCE\tCHANGED\tDESCRIPTION")
	for _, p := range products {
		conf := "-"
		if p.OverallConfidence != nil {
			conf = fmt.Sprintf("%.3f", *p.OverallConfidence)
			if p.LowConfidence {
				conf += " (low)"
			}
		}
		changed := ""
		if p.Changed() {
			changed = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.State, deref(p.SuggestedNCM), deref(p.SuggestedCEST), conf, changed, truncate(p.Description, 50))
	}
	tw.Flush() //nolint:errcheck
}

func formatBatchRun(w io.Writer, run model.BatchRun) {
	fmt.Fprintf(w, "Run %s (tenant %s)\n", run.ID, run.TenantID)
	fmt.Fprintf(w, "  total:        %d\n", run.Total)
	fmt.Fprintf(w, "  processed:    %d\n", run.Processed)
	fmt.Fprintf(w, "  succeeded:    %d\n", run.Succeeded)
	fmt.Fprintf(w, "  needs review: %d\n", run.NeedsReview)
	fmt.Fprintf(w, "  errored:      %d\n", run.Errored)
	if run.Cancelled {
		fmt.Fprintf(w, "  cancelled:    yes\n")
	}
	fmt.Fprintf(w, "  elapsed:      %s\n", run.Elapsed.Round(1e6))
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	if *s == "" {
		return "n/a"
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	classifyCmd.Flags().String("tenant", "", "tenant ID (required)")
	classifyCmd.Flags().Bool("json", false, "print the run and products as JSON")
	_ = classifyCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(classifyCmd)
}
