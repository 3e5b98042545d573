package main

import (
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/dataset"
	"Go2FlowGuard/internal/model"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "ERROR"))
	err := cmd.Execute()
	return out.String(), err
}

// writeDataset writes rows whose label depends on the packet count column.
func writeDataset(t *testing.T, path string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp," + strings.Join(model.FeatureNames[:], ",") + ",label\n")
	for i := 0; i < n; i++ {
		label := i % 2
		packets := 10 + i
		if label == model.LabelMalicious {
			packets = 10000 + i*50
		}
		fmt.Fprintf(&b, "%d,10,0,0,0,0,%d,%d,%g,%g,%d\n", 1700000000+i, packets, packets*100,
			float64(packets)/10, float64(packets*100)/10, label)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestTrainCommand(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "FlowStatsfile.csv")
	modelPath := filepath.Join(dir, "models", "forest.gob")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeDataset(t, data, 120)
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("dataset:\n  path: %s\nclassifier:\n  model_path: %s\n  seed: 3\n", data, modelPath)), 0o644))

	out, err := execute(t, "train", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "model saved to "+modelPath)
	assert.Contains(t, out, "trees=10 features=9 criterion=entropy")

	m, report, err := classifier.LoadModel(modelPath)
	require.NoError(t, err)
	assert.Equal(t, model.NumFeatures, m.NFeatures())
	assert.Contains(t, out, fmt.Sprintf("max_depth=%d", m.MaxDepth()))
	require.NotNil(t, report)
	assert.Equal(t, 30, report.TestRows)
}

func TestTrainCommandRejectsUnlabeledDataset(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "FlowStatsfile.csv")
	require.NoError(t, os.WriteFile(data, []byte("flow_duration_sec,packet_count\n1,2\n"), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("classifier:\n  model_path: "+filepath.Join(dir, "m.gob")+"\n"), 0o644))

	_, err := execute(t, "train", "--config", cfgPath, "--dataset", data)
	assert.ErrorIs(t, err, model.ErrDataset)
	assert.NoFileExists(t, filepath.Join(dir, "m.gob"))
}

func TestLabelCommand(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "FlowStatsfile.csv")
	windows := filepath.Join(dir, "attacks.txt")
	labeled := filepath.Join(dir, "labeled.csv")
	writeDataset(t, data, 10)
	require.NoError(t, os.WriteFile(windows, []byte("# attack run\n1700000002,1700000004\n"), 0o644))

	out, err := execute(t, "label", "--dataset", data, "--windows", windows, "--out", labeled)
	require.NoError(t, err)
	assert.Contains(t, out, "7 benign, 3 malicious")

	rows, err := dataset.Load(labeled)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	assert.Equal(t, model.LabelMalicious, rows[3].Label)
	assert.Equal(t, model.LabelBenign, rows[5].Label)

	_, err = execute(t, "label", "--dataset", data)
	assert.Error(t, err)
}

func TestCollectRejectsBadLabel(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("controller:\n  poll_interval: 1s\n"), 0o644))

	_, err := execute(t, "collect", "--config", cfgPath, "--label", "7")
	assert.ErrorContains(t, err, "collect_label must be 0 or 1")
}
