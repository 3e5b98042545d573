package main

import (
	"Go2FlowGuard/internal/alerter"
	"Go2FlowGuard/internal/api"
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/dataset"
	"Go2FlowGuard/internal/engine/manager"
	"Go2FlowGuard/internal/engine/mitigation"
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/notification"
	"Go2FlowGuard/internal/query"
	"Go2FlowGuard/internal/registry"
	"Go2FlowGuard/internal/southbound"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var modelPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller in the mode set by the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if modelPath != "" {
				cfg.Classifier.ModelPath = modelPath
			}
			return runController(cfg)
		},
	}
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Saved model to load instead of training (default: classifier.model_path)")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var label int
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Record labeled flow statistics instead of classifying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Controller.Mode = config.ModeCollect
			if cmd.Flags().Changed("label") {
				cfg.Controller.CollectLabel = label
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runController(cfg)
		},
	}
	cmd.Flags().IntVar(&label, "label", 0, "Label stamped on recorded rows (0 benign, 1 malicious)")
	return cmd
}

// closer is released in reverse order of acquisition on shutdown.
type closer struct {
	name string
	fn   func() error
}

// runController wires the pipeline, blocks until SIGINT or SIGTERM and then
// shuts everything down.
func runController(cfg *config.Config) error {
	slog.Info("Starting ns-guard...", "mode", cfg.Controller.Mode)
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				slog.Error("Error during shutdown", "component", closers[i].name, "error", err)
			}
		}
		slog.Info("Shutdown complete.")
	}()

	// 1. Metrics and the device registry
	m := metrics.New()
	reg := registry.New(func(size int) {
		m.DevicesConnected.Set(float64(size))
	})

	// 2. Control channel; the controller is useless without it
	adapter, err := southbound.Connect(cfg.Southbound)
	if err != nil {
		slog.Error("Failed to connect the control channel", "error", err)
		return err
	}
	closers = append(closers, closer{"southbound", func() error { adapter.Close(); return nil }})

	deps := manager.Deps{Registry: reg, Control: adapter, Transport: adapter, Metrics: m}
	var (
		holder  *classifier.Holder
		history *mitigation.History
		trainer api.Trainer
	)

	// 3. Mode specific stages
	switch cfg.Controller.Mode {
	case config.ModeDetect:
		holder = classifier.NewHolder()
		holder.Watch(m.SetModelReady)
		trainer = newTrainer(holder, cfg, m)
		prepareModel(holder, cfg, trainer)

		var ledger mitigation.Ledger
		if cfg.Mitigation.DedupPolicy == mitigation.PolicySuppress {
			ledger, err = mitigation.NewLedger(cfg.Mitigation)
			if err != nil {
				slog.Error("Failed to create rule ledger", "error", err)
				return err
			}
			closers = append(closers, closer{"ledger", ledger.Close})
		}

		history = mitigation.NewHistory(cfg.Mitigation.HistoryLen)
		sinks := []model.EventSink{history}
		if cfg.Mitigation.Audit {
			audit, err := mitigation.NewAuditSink(cfg.Mitigation.ClickHouse)
			if err != nil {
				slog.Error("Failed to create mitigation audit", "error", err)
				return err
			}
			closers = append(closers, closer{"audit", audit.Close})
			sinks = append(sinks, audit)
		}

		opts, err := mitigation.OptionsFromConfig(cfg)
		if err != nil {
			return err
		}
		engine, err := mitigation.NewEngine(adapter, opts, ledger, m, sinks...)
		if err != nil {
			return err
		}
		deps.Holder, deps.Engine = holder, engine

	case config.ModeCollect:
		writer, err := dataset.NewWriters(cfg.Dataset)
		if err != nil {
			slog.Error("Failed to create dataset writers", "error", err)
			return err
		}
		deps.Writer = writer
		slog.Info("Recording training rows", "label", cfg.Controller.CollectLabel)
	}

	// 4. Pipeline manager
	mgr, err := manager.NewManager(cfg, deps)
	if err != nil {
		return err
	}
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	mgr.Start(workerCtx)
	stopManager := func() error { mgr.Stop(); return nil }
	closers = append(closers, closer{"manager", stopManager})

	if err := adapter.SubscribeDevices(reg); err != nil {
		return err
	}
	if err := adapter.SubscribeReplies(func(reply model.StatsReply) { mgr.Submit(reply) }); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Status surfaces
	if cfg.API.Enabled {
		apiDeps := api.Deps{Devices: mgr, Holder: holder, Trainer: trainer, History: history, Registry: m.Registry}
		if cfg.API.History {
			querier, err := query.NewClickHouseQuerier(cfg.API.ClickHouse)
			if err != nil {
				slog.Warn("History endpoints disabled", "error", err)
			} else {
				apiDeps.Querier = querier
				closers = append(closers, closer{"querier", querier.Close})
			}
		}
		server := api.NewServer(apiDeps)
		go func() {
			if err := server.ListenAndServe(ctx, cfg.API.ListenAddr); err != nil {
				slog.Error("API server error", "error", err)
			}
		}()

		if cfg.API.GRPCListenAddr != "" && holder != nil {
			health := api.NewHealth(holder)
			go func() {
				if err := health.Serve(cfg.API.GRPCListenAddr); err != nil {
					slog.Error("gRPC health server error", "error", err)
				}
			}()
			closers = append(closers, closer{"health", func() error { health.Stop(); return nil }})
		}
	}

	// 6. Mitigation digest
	if cfg.Alerter.Enabled && history != nil {
		a, err := alerter.NewAlerter(&cfg.Alerter, history, notification.NewEmailNotifier(cfg.SMTP))
		if err != nil {
			return err
		}
		a.Start()
		closers = append(closers, closer{"alerter", func() error { a.Stop(); return nil }})
	}

	// 7. Wait for a shutdown signal for graceful shutdown
	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping controller...")

	// The manager drains before the alerter sends its last digest.
	mgr.Stop()
	return nil
}

// newTrainer returns the background training entry point shared by startup
// and the retrain endpoint.
func newTrainer(holder *classifier.Holder, cfg *config.Config, m *metrics.Metrics) api.Trainer {
	opts := classifier.OptionsFromConfig(cfg.Classifier)
	source := func(ctx context.Context) ([]model.TrainingRow, error) {
		return dataset.Load(cfg.Dataset.Path)
	}
	return func() (<-chan error, error) {
		start := time.Now()
		done, err := holder.TrainAsync(context.Background(), source, opts)
		if err != nil {
			return nil, err
		}
		out := make(chan error, 1)
		go func() {
			defer close(out)
			err := <-done
			if err == nil {
				if report := holder.Status().Report; report != nil {
					m.ObserveTraining(report.Accuracy, time.Since(start))
				}
				if cfg.Classifier.ModelPath != "" {
					if serr := classifier.SaveModel(cfg.Classifier.ModelPath, holder.Model(), holder.Status().Report); serr != nil {
						slog.Warn("Failed to save model", "path", cfg.Classifier.ModelPath, "error", serr)
					}
				}
			}
			out <- err
		}()
		return out, nil
	}
}

// prepareModel loads the saved model when there is one and trains otherwise.
// A failed training leaves the controller forwarding-only.
func prepareModel(holder *classifier.Holder, cfg *config.Config, train api.Trainer) {
	if path := cfg.Classifier.ModelPath; path != "" {
		mdl, report, err := classifier.LoadModel(path)
		switch {
		case err == nil:
			holder.Swap(mdl, report)
			slog.Info("Model loaded", "path", path, "trees", mdl.NumTrees(), "trained_at", mdl.TrainedAt())
			return
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("No saved model, training from the dataset", "path", path)
		default:
			slog.Warn("Ignoring unusable saved model", "path", path, "error", err)
		}
	}

	done, err := train()
	if err != nil {
		slog.Error("Failed to start training", "error", err)
		return
	}
	if cfg.Classifier.BackgroundTraining {
		slog.Info("Training in the background, forwarding only until a model is ready")
		go func() {
			if err := <-done; err != nil {
				slog.Warn("Classification disabled", "error", fmt.Errorf("training failed: %w", err))
			}
		}()
		return
	}
	if err := <-done; err != nil {
		slog.Warn("Classification disabled", "error", fmt.Errorf("training failed: %w", err))
	}
}
