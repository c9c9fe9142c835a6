package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/goldenset"
	"github.com/sells-group/ncm-audit/internal/intake"
	"github.com/sells-group/ncm-audit/internal/model"
)

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Manage the shared golden set",
}

var goldenAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record one approved description to NCM/CEST association",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		desc, _ := f.GetString("description")
		ncm, _ := f.GetString("ncm")
		cest, _ := f.GetString("cest")
		conf, _ := f.GetFloat64("confidence")
		approver, _ := f.GetString("approver")
		source, _ := f.GetString("source")

		if approver == "" {
			return eris.New("golden add: --approver is required")
		}

		idx, closeFn, err := openIndex(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		created, err := idx.Record(cmd.Context(), model.GoldenSetEntry{
			Description: desc,
			NCM:         ncm,
			CEST:        cest,
			Confidence:  conf,
			Source:      source,
			Approver:    approver,
		})
		if err != nil {
			return err
		}
		if created {
			fmt.Println("Recorded.")
		} else {
			fmt.Println("Already present.")
		}
		return nil
	},
}

var goldenImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import approved entries from a CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		approver, _ := cmd.Flags().GetString("approver")
		source, _ := cmd.Flags().GetString("source")

		fh, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "golden import: open %s", args[0])
		}
		defer fh.Close() //nolint:errcheck

		entries, err := intake.ReadGoldenCSV(ctx, fh, source, approver)
		if err != nil {
			return err
		}

		idx, closeFn, err := openIndex(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := importGolden(ctx, idx, entries)
		if err != nil {
			return err
		}
		zap.L().Info("golden import complete",
			zap.String("file", args[0]),
			zap.Int("rows", len(entries)),
			zap.Int("recorded", n),
			zap.Int("golden_entries", idx.Len()),
		)
		fmt.Printf("Recorded %d of %d entries (%d already present).\n", n, len(entries), len(entries)-n)
		return nil
	},
}

// openIndex opens the golden store and loads it into an index. The returned
// func releases the store.
func openIndex(ctx context.Context) (*goldenset.Index, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	gs, err := initGolden(ctx)
	if err != nil {
		return nil, nil, err
	}
	idx := goldenset.NewIndex(gs, cfg.Pipeline.GoldenSimilarityFloor)
	if err := idx.Load(ctx); err != nil {
		_ = gs.Close()
		return nil, nil, err
	}
	return idx, func() { _ = gs.Close() }, nil
}

// importGolden records entries in order and returns how many were new.
func importGolden(ctx context.Context, idx *goldenset.Index, entries []model.GoldenSetEntry) (int, error) {
	n := 0
	for i, e := range entries {
		created, err := idx.Record(ctx, e)
		if err != nil {
			return n, eris.Wrapf(err, "golden import: row %d", i+2)
		}
		if created {
			n++
		}
	}
	return n, nil
}

func init() {
	goldenAddCmd.Flags().String("description", "", "product description")
	goldenAddCmd.Flags().String("ncm", "", "approved NCM code")
	goldenAddCmd.Flags().String("cest", "", "approved CEST code")
	goldenAddCmd.Flags().Float64("confidence", 1, "confidence in [0,1]")
	goldenAddCmd.Flags().String("approver", "", "who approved the association")
	goldenAddCmd.Flags().String("source", "manual", "origin of the entry")
	_ = goldenAddCmd.MarkFlagRequired("description")
	_ = goldenAddCmd.MarkFlagRequired("ncm")

	goldenImportCmd.Flags().String("approver", "", "who approved the entries (required)")
	goldenImportCmd.Flags().String("source", "import", "origin of the entries")

	goldenCmd.AddCommand(goldenAddCmd, goldenImportCmd)
	rootCmd.AddCommand(goldenCmd)
}
