package main

import (
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/dataset"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	var datasetPath, outPath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the random forest on the dataset and save the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if datasetPath == "" {
				datasetPath = cfg.Dataset.Path
			}
			if outPath == "" {
				outPath = cfg.Classifier.ModelPath
			}
			if outPath == "" {
				return fmt.Errorf("no model output path: set --out or classifier.model_path")
			}

			slog.Info("Loading dataset", "path", datasetPath)
			rows, err := dataset.Load(datasetPath)
			if err != nil {
				slog.Error("Failed to load dataset", "error", err)
				return err
			}

			slog.Info("Flow Training ...", "rows", len(rows))
			m, report, err := classifier.Train(rows, classifier.OptionsFromConfig(cfg.Classifier))
			if err != nil {
				slog.Error("Error during flow training", "error", err)
				return err
			}
			if err := classifier.SaveModel(outPath, m, report); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "model saved to %s\ntrees=%d features=%d criterion=%s max_depth=%d\nconfusion matrix:\n%s\naccuracy=%.2f%% fail_rate=%.2f%%\n",
				outPath, m.NumTrees(), m.NFeatures(), m.Criterion(), m.MaxDepth(), report.ConfusionString(),
				report.Accuracy*100, report.FailRate*100)
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Training CSV (default: dataset.path)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Model output file (default: classifier.model_path)")
	return cmd
}
