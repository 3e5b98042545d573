package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operating modes of the controller loop.
const (
	ModeDetect  = "detect"
	ModeCollect = "collect"
)

// ControllerConfig holds the polling loop settings.
type ControllerConfig struct {
	Mode         string `yaml:"mode"`
	PollInterval string `yaml:"poll_interval"`
	// ReplyTimeout defaults to twice the poll interval when empty.
	ReplyTimeout    string `yaml:"reply_timeout"`
	NumWorkers      int    `yaml:"num_workers"`
	SizeOfReplyChan int    `yaml:"size_of_reply_channel"`
	CollectLabel    int    `yaml:"collect_label"`
}

// ClickHouseConfig holds the connection settings for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CSVConfig configures the CSV dataset writer.
type CSVConfig struct {
	Path string `yaml:"path"`
}

// DatasetWriterDef defines one dataset writer used in collect mode.
type DatasetWriterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	CSV        CSVConfig        `yaml:"csv"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// DatasetConfig describes where training rows live.
type DatasetConfig struct {
	Path    string             `yaml:"path"`
	Writers []DatasetWriterDef `yaml:"writers"`
}

// ClassifierConfig holds the random forest hyper-parameters.
type ClassifierConfig struct {
	TestSize           float64 `yaml:"test_size"`
	Seed               uint64  `yaml:"seed"`
	NumTrees           int     `yaml:"num_trees"`
	Criterion          string  `yaml:"criterion"`
	MaxDepth           int     `yaml:"max_depth"`
	MinSamplesSplit    int     `yaml:"min_samples_split"`
	BackgroundTraining bool    `yaml:"background_training"`
	// ModelPath, when set, is loaded instead of training at startup.
	ModelPath string `yaml:"model_path"`
}

// RedisConfig holds the connection settings for the Redis rule ledger.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MitigationConfig holds the blocking rule parameters.
type MitigationConfig struct {
	Priority    int    `yaml:"priority"`
	IdleTimeout string `yaml:"idle_timeout"`
	HardTimeout string `yaml:"hard_timeout"`
	// DedupPolicy is "refresh" or "suppress".
	DedupPolicy string `yaml:"dedup_policy"`
	// Ledger is "memory" or "redis"; only used by the suppress policy.
	Ledger     string           `yaml:"ledger"`
	Redis      RedisConfig      `yaml:"redis"`
	Audit      bool             `yaml:"audit"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	HistoryLen int              `yaml:"history_len"`
}

// SouthboundConfig configures the NATS control channel adapter.
type SouthboundConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// APIConfig configures the HTTP status API and the gRPC health service.
type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddr     string `yaml:"listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
	// History enables the ClickHouse-backed history endpoints.
	History    bool             `yaml:"history"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// AlerterConfig configures the mitigation digest.
type AlerterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CheckInterval string `yaml:"check_interval"`
	MinEvents     int    `yaml:"min_events"`
}

// SMTPConfig holds the configuration for the SMTP email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Mitigation MitigationConfig `yaml:"mitigation"`
	Southbound SouthboundConfig `yaml:"southbound"`
	API        APIConfig        `yaml:"api"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct
// with defaults filled in.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Controller.Mode == "" {
		c.Controller.Mode = ModeDetect
	}
	if c.Controller.PollInterval == "" {
		c.Controller.PollInterval = "10s"
	}
	if c.Controller.NumWorkers <= 0 {
		c.Controller.NumWorkers = 4
	}
	if c.Controller.SizeOfReplyChan <= 0 {
		c.Controller.SizeOfReplyChan = 256
	}
	if c.Dataset.Path == "" {
		c.Dataset.Path = "FlowStatsfile.csv"
	}
	if c.Classifier.TestSize == 0 {
		c.Classifier.TestSize = 0.25
	}
	if c.Classifier.NumTrees <= 0 {
		c.Classifier.NumTrees = 10
	}
	if c.Classifier.Criterion == "" {
		c.Classifier.Criterion = "entropy"
	}
	if c.Classifier.MinSamplesSplit < 2 {
		c.Classifier.MinSamplesSplit = 2
	}
	if c.Mitigation.Priority == 0 {
		c.Mitigation.Priority = 100
	}
	if c.Mitigation.IdleTimeout == "" {
		c.Mitigation.IdleTimeout = "30s"
	}
	if c.Mitigation.HardTimeout == "" {
		c.Mitigation.HardTimeout = "60s"
	}
	if c.Mitigation.DedupPolicy == "" {
		c.Mitigation.DedupPolicy = "refresh"
	}
	if c.Mitigation.Ledger == "" {
		c.Mitigation.Ledger = "memory"
	}
	if c.Mitigation.HistoryLen <= 0 {
		c.Mitigation.HistoryLen = 512
	}
	if c.Southbound.NATSURL == "" {
		c.Southbound.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Southbound.SubjectPrefix == "" {
		c.Southbound.SubjectPrefix = "ofp"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8088"
	}
	if c.Alerter.CheckInterval == "" {
		c.Alerter.CheckInterval = "5m"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Controller.Mode {
	case ModeDetect, ModeCollect:
	default:
		return fmt.Errorf("unknown controller mode: '%s'", c.Controller.Mode)
	}
	if c.Controller.CollectLabel != 0 && c.Controller.CollectLabel != 1 {
		return fmt.Errorf("collect_label must be 0 or 1, got %d", c.Controller.CollectLabel)
	}
	poll, err := c.PollInterval()
	if err != nil {
		return err
	}
	if poll <= 0 {
		return fmt.Errorf("controller poll_interval must be a positive duration")
	}
	timeout, err := c.ReplyTimeout()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return fmt.Errorf("controller reply_timeout must be a positive duration")
	}
	if c.Classifier.TestSize <= 0 || c.Classifier.TestSize >= 1 {
		return fmt.Errorf("classifier test_size must be in (0, 1), got %v", c.Classifier.TestSize)
	}
	switch c.Classifier.Criterion {
	case "entropy", "gini":
	default:
		return fmt.Errorf("unknown classifier criterion: '%s'", c.Classifier.Criterion)
	}
	idle, hard, err := c.MitigationTimeouts()
	if err != nil {
		return err
	}
	if idle <= 0 || hard <= 0 {
		return fmt.Errorf("mitigation timeouts must be positive")
	}
	switch c.Mitigation.DedupPolicy {
	case "refresh", "suppress":
	default:
		return fmt.Errorf("unknown mitigation dedup_policy: '%s'", c.Mitigation.DedupPolicy)
	}
	return nil
}

// PollInterval returns the parsed poll interval.
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Controller.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid controller poll_interval: %w", err)
	}
	return d, nil
}

// ReplyTimeout returns the parsed reply timeout, or twice the poll interval.
func (c *Config) ReplyTimeout() (time.Duration, error) {
	if c.Controller.ReplyTimeout == "" {
		poll, err := c.PollInterval()
		if err != nil {
			return 0, err
		}
		return 2 * poll, nil
	}
	d, err := time.ParseDuration(c.Controller.ReplyTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid controller reply_timeout: %w", err)
	}
	return d, nil
}

// MitigationTimeouts returns the parsed idle and hard timeouts of blocking rules.
func (c *Config) MitigationTimeouts() (idle, hard time.Duration, err error) {
	idle, err = time.ParseDuration(c.Mitigation.IdleTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid mitigation idle_timeout: %w", err)
	}
	hard, err = time.ParseDuration(c.Mitigation.HardTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid mitigation hard_timeout: %w", err)
	}
	return idle, hard, nil
}
