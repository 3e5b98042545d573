package dataset

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

func init() {
	RegisterWriter("csv", func(def config.DatasetWriterDef) (model.DatasetWriter, error) {
		return NewCSVWriter(def.CSV.Path)
	})
}

// CSVWriter appends labeled rows to a CSV file. The header is written when
// the file is new or empty.
type CSVWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	csv  *csv.Writer
}

// NewCSVWriter opens path for appending.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dataset directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file '%s': %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	w := &CSVWriter{path: path, file: file, csv: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := w.csv.Write(Columns); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write dataset header: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write appends one row per record and flushes.
func (w *CSVWriter) Write(records []model.FlowRecord, label int) error {
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		if err := w.csv.Write(FormatRecord(rec, label)); err != nil {
			return fmt.Errorf("failed to write dataset row: %w", err)
		}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush dataset file '%s': %w", w.path, err)
	}
	slog.Debug("Wrote dataset rows", "path", w.path, "rows", len(records), "label", label)
	return nil
}

// Close flushes and closes the file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
