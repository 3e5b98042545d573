package classifier

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrTrainingInProgress is returned when a training run is already active.
var ErrTrainingInProgress = errors.New("training already in progress")

const modelFileVersion = 1

// modelFile is the on-disk gob layout of a Model.
type modelFile struct {
	Version   int
	Features  int
	Criterion string
	TrainedAt time.Time
	Trees     []Tree
	Report    *Report
}

// SaveModel writes m and its training report to path in gob format.
func SaveModel(path string, m *Model, report *Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create model file '%s': %w", tmp, err)
	}

	enc := gob.NewEncoder(file)
	err = enc.Encode(modelFile{
		Version:   modelFileVersion,
		Features:  m.features,
		Criterion: m.criterion,
		TrainedAt: m.trainedAt,
		Trees:     m.trees,
		Report:    report,
	})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to encode model to gob: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*Model, *Report, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer file.Close()

	var mf modelFile
	if err := gob.NewDecoder(file).Decode(&mf); err != nil {
		return nil, nil, fmt.Errorf("failed to decode model file '%s': %w", path, err)
	}
	if mf.Version != modelFileVersion {
		return nil, nil, fmt.Errorf("unsupported model file version %d", mf.Version)
	}
	if mf.Features <= 0 || len(mf.Trees) == 0 {
		return nil, nil, fmt.Errorf("model file '%s' holds an empty model", path)
	}
	for i, t := range mf.Trees {
		if err := t.validate(mf.Features); err != nil {
			return nil, nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return &Model{
		trees:     mf.Trees,
		features:  mf.Features,
		criterion: mf.Criterion,
		trainedAt: mf.TrainedAt,
	}, mf.Report, nil
}

// validate checks that every node reference stays inside the tree, so
// Predict cannot index out of range on a corrupted file.
func (t Tree) validate(features int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 {
			if n.Label != 0 && n.Label != 1 {
				return fmt.Errorf("node %d has label %d", i, n.Label)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= features {
			return fmt.Errorf("node %d splits on feature %d", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}
