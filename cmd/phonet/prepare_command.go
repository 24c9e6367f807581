package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"phonet/experiment"
	"phonet/trainlog"
)

func newPrepareCommand(hparamsFlag *string, setFlags *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Prepare the corpus manifest only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			hp, err := loadParams(*hparamsFlag, *setFlags)
			if err != nil {
				return err
			}
			exp, err := experiment.Create(hp, *setFlags)
			if err != nil {
				return err
			}
			defer exp.Close()

			logger, closeLog, err := trainlog.New(hp.TrainLogFile(), slog.LevelInfo)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = logger.With("run_id", exp.RunID)

			manifest, err := prepareCorpus(ctx, hp, logger)
			if err != nil {
				return err
			}
			logger.Info("corpus prepared", "manifest", manifest)
			return nil
		},
	}
}
