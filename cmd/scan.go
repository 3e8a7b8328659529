package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsink/config"
	"github.com/dhcgn/mailsink/runner"
	"github.com/dhcgn/mailsink/source"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Ingest .eml and .mbox files below a directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd, config.ModeScan)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		logger.Info("starting scan", "source", cfg.Scan.Source, "output", cfg.Output, "dryRun", cfg.DryRun)

		walker := source.Walker{Root: cfg.Scan.Source, Extensions: cfg.Scan.Extensions}
		_, err = runBatch(cmd.Context(), cfg, logger, func(r *runner.Runner) (int, error) {
			total, err := walker.Count()
			if err != nil {
				logger.Warn("counting messages failed", "err", err)
				total = 0
			}
			if _, err := source.NewProducer(walker, r, logger); err != nil {
				return 0, err
			}
			return total, nil
		})
		return err
	},
}

func init() {
	config.RegisterScanFlags(scanCmd)
	rootCmd.AddCommand(scanCmd)
}
