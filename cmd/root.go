package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ncm-audit",
	Short: "Multi-tenant NCM/CEST fiscal classification audit",
	Long:  "Audits product fiscal codes per tenant: golden-set lookup, Claude classification of NCM and CEST, and confidence-gated approval or review.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
