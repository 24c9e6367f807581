package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var hparamsFlag string
	var setFlags []string

	rootCmd := &cobra.Command{
		Use:           "phonet",
		Short:         "Seq2seq phoneme recognition experiments",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&hparamsFlag, "hparams", "", "Hyperparameter TOML file")
	rootCmd.PersistentFlags().StringArrayVar(&setFlags, "set", nil, "Hyperparameter override key=value (repeatable)")

	rootCmd.AddCommand(newPrepareCommand(&hparamsFlag, &setFlags))
	rootCmd.AddCommand(newTrainCommand(&hparamsFlag, &setFlags))
	rootCmd.AddCommand(newEvaluateCommand(&hparamsFlag, &setFlags))
	return rootCmd
}
