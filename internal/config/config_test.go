package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_RepositoryFile(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	require.NoError(t, err)

	poll, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, poll)
	assert.Equal(t, 10, cfg.Classifier.NumTrees)
	assert.Equal(t, "entropy", cfg.Classifier.Criterion)
	assert.Equal(t, 100, cfg.Mitigation.Priority)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("controller:\n  poll_interval: 5s\n"))
	require.NoError(t, err)

	assert.Equal(t, ModeDetect, cfg.Controller.Mode)
	assert.Equal(t, 0.25, cfg.Classifier.TestSize)
	assert.Equal(t, uint64(0), cfg.Classifier.Seed)
	assert.Equal(t, "refresh", cfg.Mitigation.DedupPolicy)

	timeout, err := cfg.ReplyTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout, "reply timeout defaults to twice the poll interval")

	idle, hard, err := cfg.MitigationTimeouts()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, idle)
	assert.Equal(t, 60*time.Second, hard)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "controller:\n  mode: mirror\n"},
		{"bad label", "controller:\n  collect_label: 2\n"},
		{"bad interval", "controller:\n  poll_interval: soon\n"},
		{"negative interval", "controller:\n  poll_interval: -1s\n"},
		{"negative reply timeout", "controller:\n  reply_timeout: -1s\n"},
		{"zero reply timeout", "controller:\n  reply_timeout: 0s\n"},
		{"bad criterion", "classifier:\n  criterion: variance\n"},
		{"bad split", "classifier:\n  test_size: 1.5\n"},
		{"bad policy", "mitigation:\n  dedup_policy: ignore\n"},
		{"bad timeout", "mitigation:\n  hard_timeout: forever\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
