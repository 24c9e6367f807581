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

func newTrainCommand(hparamsFlag *string, setFlags *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run the full flow: prepare, train, evaluate, report",
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
			cp.SetRunID(exp.RunID)
			brain.SetCheckpointer(cp)

			// Resume from the most recent checkpoint when one exists.
			if record, err := cp.RecoverIfPossible(nil); err != nil {
				return err
			} else if record != nil {
				logger.Info("resumed from checkpoint", "dir", record.Dir)
			}

			if err := brain.Fit(ctx, loaders["train"], loaders["dev"]); err != nil {
				return err
			}

			// Test with the lowest-PER checkpoint, not the last one.
			if record, err := cp.RecoverIfPossible(checkpoints.NegatedMetric("PER")); err != nil {
				return err
			} else if record != nil {
				logger.Info("restored best checkpoint", "dir", record.Dir, "per", record.Meta.Metrics["PER"])
			}

			summary, details, err := brain.Evaluate(ctx, loaders["test"])
			if err != nil {
				return err
			}
			if err := writeReport(hp.ReportFile(), details); err != nil {
				return err
			}
			logger.Info("wrote scoring report", "path", hp.ReportFile())
			return wer.WriteSummary(os.Stdout, "PER", summary)
		},
	}
}

func writeReport(path string, details []wer.Details) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	if err := wer.WriteReport(f, "PER", details); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
