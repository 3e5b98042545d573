package dataset

import (
	"Go2FlowGuard/internal/model"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Load reads the labeled training table at path. Any problem with the file
// is reported as a *model.DatasetError.
func Load(path string) ([]model.TrainingRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &model.DatasetError{Path: path, Err: err}
	}
	defer file.Close()

	rows, err := LoadReader(file, path)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded training dataset", "path", path, "rows", len(rows))
	return rows, nil
}

// LoadReader reads a training table from r; name is only used in errors.
func LoadReader(r io.Reader, name string) ([]model.TrainingRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &model.DatasetError{Path: name, Err: errors.New("file is empty")}
	}
	if err != nil {
		return nil, csvError(name, err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[canonical(strings.TrimSpace(h))] = i
	}

	var featureIdx [model.NumFeatures]int
	for i, col := range model.FeatureNames {
		j, ok := index[col]
		if !ok {
			return nil, &model.DatasetError{Path: name, Line: 1, Column: col, Err: errors.New("missing required column")}
		}
		featureIdx[i] = j
	}
	labelIdx, ok := index[LabelColumn]
	if !ok {
		return nil, &model.DatasetError{Path: name, Line: 1, Column: LabelColumn, Err: errors.New("missing required column")}
	}
	flowIdx, hasFlowID := index["flow_id"]

	var rows []model.TrainingRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(name, err)
		}
		line, _ := cr.FieldPos(0)

		row := model.TrainingRow{Features: make(model.FeatureVector, model.NumFeatures)}
		for i, j := range featureIdx {
			v, err := parseNumber(record, j)
			if err != nil {
				return nil, &model.DatasetError{Path: name, Line: line, Column: model.FeatureNames[i], Err: err}
			}
			row.Features[i] = v
		}

		label, err := parseLabel(record, labelIdx)
		if err != nil {
			return nil, &model.DatasetError{Path: name, Line: line, Column: LabelColumn, Err: err}
		}
		row.Label = label
		if hasFlowID && flowIdx < len(record) {
			row.FlowID = record[flowIdx]
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, &model.DatasetError{Path: name, Err: errors.New("no data rows")}
	}
	return rows, nil
}

func parseNumber(record []string, i int) (float64, error) {
	if i >= len(record) {
		return 0, errors.New("field missing")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", record[i])
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", record[i])
	}
	return v, nil
}

func parseLabel(record []string, i int) (int, error) {
	v, err := parseNumber(record, i)
	if err != nil {
		return 0, err
	}
	switch v {
	case model.LabelBenign:
		return model.LabelBenign, nil
	case model.LabelMalicious:
		return model.LabelMalicious, nil
	}
	return 0, fmt.Errorf("label must be 0 or 1, got %q", record[i])
}

func csvError(name string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &model.DatasetError{Path: name, Line: pe.Line, Err: pe.Err}
	}
	return &model.DatasetError{Path: name, Err: err}
}
