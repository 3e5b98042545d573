package main

import (
	"Go2FlowGuard/internal/dataset"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newLabelCmd() *cobra.Command {
	var datasetPath, windowsPath, outPath string
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Back-fill dataset labels from a file of attack time windows",
		Long: `label rewrites the label column of a recorded dataset. Every row whose
timestamp falls inside one of the windows (one "start,end" pair of unix
seconds per line) is labeled 1, every other row 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if datasetPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				datasetPath = cfg.Dataset.Path
			}
			if outPath == "" {
				outPath = datasetPath
			}

			stats, err := dataset.RelabelFile(datasetPath, windowsPath, outPath)
			if err != nil {
				slog.Error("Failed to label dataset", "path", datasetPath, "error", err)
				return err
			}
			slog.Info("Dataset labeled", "path", outPath, "benign", stats.Benign, "malicious", stats.Malicious)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d benign, %d malicious\n", outPath, stats.Benign, stats.Malicious)
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Dataset CSV (default: dataset.path)")
	cmd.Flags().StringVarP(&windowsPath, "windows", "w", "", "Attack windows file (required)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output CSV (default: rewrite the dataset in place)")
	cmd.MarkFlagRequired("windows")
	return cmd
}
