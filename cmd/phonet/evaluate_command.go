package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"phonet/checkpoints"
	"phonet/experiment"
	"phonet/trainlog"
	"phonet/wer"
)

func newEvaluateCommand(hparamsFlag *string, setFlags *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Restore the best checkpoint and run the test stage",
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
			dict, loaders, closeData, err := openData(ctx, manifest, hp)
			if err != nil {
				return err
			}
			defer closeData()

			brain, err := buildBrain(hp, dict, logger)
			if err != nil {
				return err
			}
			cp, err := checkpoints.NewCheckpointer(hp.SaveFolder(), brain.Recoverables())
			if err != nil {
				return err
			}

			record, err := cp.RecoverIfPossible(checkpoints.NegatedMetric("PER"))
			if err != nil {
				return err
			}
			if record == nil {
				return fmt.Errorf("no checkpoint found under %s; train first", hp.SaveFolder())
			}
			logger.Info("restored best checkpoint", "dir", record.Dir, "per", record.Meta.Metrics["PER"])

			summary, details, err := brain.Evaluate(ctx, loaders["test"])
			if err != nil {
				return err
			}
			if err := writeReport(hp.ReportFile(), details); err != nil {
				return err
			}
			return wer.WriteSummary(os.Stdout, "PER", summary)
		},
	}
}
