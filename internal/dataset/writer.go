package dataset

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"errors"
	"fmt"
	"log/slog"
)

// WriterFactory builds a dataset writer from its configuration block.
type WriterFactory func(def config.DatasetWriterDef) (model.DatasetWriter, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new dataset writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("dataset writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// NewWriters creates every enabled writer of the dataset configuration. When
// no writer is configured, a CSV writer on cfg.Path is used.
func NewWriters(cfg config.DatasetConfig) (*Fanout, error) {
	defs := cfg.Writers
	if len(defs) == 0 {
		defs = []config.DatasetWriterDef{{Type: "csv", Enabled: true, CSV: config.CSVConfig{Path: cfg.Path}}}
	}

	fan := &Fanout{}
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if def.Type == "csv" && def.CSV.Path == "" {
			def.CSV.Path = cfg.Path
		}
		factory, ok := registry[def.Type]
		if !ok {
			fan.Close()
			return nil, fmt.Errorf("unknown dataset writer type: '%s'", def.Type)
		}
		w, err := factory(def)
		if err != nil {
			fan.Close()
			return nil, fmt.Errorf("error creating dataset writer '%s': %w", def.Type, err)
		}
		slog.Info("Dataset writer enabled", "type", def.Type)
		fan.writers = append(fan.writers, w)
	}
	if len(fan.writers) == 0 {
		return nil, fmt.Errorf("no dataset writer enabled")
	}
	return fan, nil
}

// Fanout writes every batch to all of its writers.
type Fanout struct {
	writers []model.DatasetWriter
}

// NewFanout wraps already constructed writers.
func NewFanout(writers ...model.DatasetWriter) *Fanout {
	return &Fanout{writers: writers}
}

// Write forwards the batch to all writers. A failing writer does not stop
// the others; their errors are joined.
func (f *Fanout) Write(records []model.FlowRecord, label int) error {
	var errs []error
	for _, w := range f.writers {
		if err := w.Write(records, label); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all writers.
func (f *Fanout) Close() error {
	var errs []error
	for _, w := range f.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
