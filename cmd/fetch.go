package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsink/config"
	"github.com/dhcgn/mailsink/imap"
	"github.com/dhcgn/mailsink/runner"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Ingest every message of an IMAP mailbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd, config.ModeFetch)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		logger.Info("starting fetch", "host", cfg.IMAP.Host, "mailbox", cfg.IMAP.Mailbox, "output", cfg.Output, "dryRun", cfg.DryRun)

		fetcher, err := imap.NewFetcher(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			Mailbox:            cfg.IMAP.Mailbox,
		}, logger)
		if err != nil {
			return err
		}

		_, err = runBatch(cmd.Context(), cfg, logger, func(r *runner.Runner) (int, error) {
			fetcher.Register(r)
			return 0, nil
		})
		return err
	},
}

func init() {
	config.RegisterFetchFlags(fetchCmd)
	rootCmd.AddCommand(fetchCmd)
}
