package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel          = "info"
	DefaultProbeListen       = ":0"
	DefaultPingCount         = 50
	DefaultProbeTimeout      = time.Second
	DefaultWorkerDir         = "libs"
	DefaultWorkerLogsDir     = "flo-logs"
	DefaultWorkerHost        = "127.0.0.1"
	DefaultWorkerOrigin      = "http://localhost:3000"
	DefaultReconnectInterval = 2 * time.Second
	DefaultStartTimeout      = 30 * time.Second
)

// Config holds probe, worker and agent settings.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Probe     *ProbeConfig  `yaml:"probe,omitempty"`
	Worker    *WorkerConfig `yaml:"worker,omitempty"`
	Agent     *AgentConfig  `yaml:"agent,omitempty"`
}

// ProbeConfig is used by the network test coordinator.
type ProbeConfig struct {
	Listen      string        `yaml:"listen"`
	PingCount   int           `yaml:"ping_count"`
	Timeout     time.Duration `yaml:"timeout"`
	STUNServers []string      `yaml:"stun_servers"`
	NodesPath   string        `yaml:"nodes_path"`
	ReportPath  string        `yaml:"report_path"`
	MetricsCSV  string        `yaml:"metrics_csv"`
}

// WorkerConfig describes where the helper process lives and how to reach it.
type WorkerConfig struct {
	Dir                  string        `yaml:"dir"`
	Executable           string        `yaml:"executable"`
	Args                 []string      `yaml:"args,omitempty"`
	LogsDir              string        `yaml:"logs_dir"`
	Host                 string        `yaml:"host"`
	Origin               string        `yaml:"origin"`
	StartTimeout         time.Duration `yaml:"start_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	Token                string        `yaml:"token"`
	Player               string        `yaml:"player"`
}

// AgentConfig drives the long-running launcher loop.
type AgentConfig struct {
	TestInterval  time.Duration `yaml:"test_interval"`
	MetricsListen string        `yaml:"metrics_listen"`
}

// ExecutablePath returns the absolute location of the helper binary.
func (w WorkerConfig) ExecutablePath() string {
	if filepath.IsAbs(w.Executable) {
		return w.Executable
	}
	return filepath.Join(w.Dir, w.Executable)
}

// LogsPath returns the folder the helper writes its logs to.
func (w WorkerConfig) LogsPath() string {
	if filepath.IsAbs(w.LogsDir) {
		return w.LogsDir
	}
	return filepath.Join(w.Dir, w.LogsDir)
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Probe == nil && cfg.Worker == nil {
		return fmt.Errorf("config must contain probe or worker section")
	}
	if cfg.Probe != nil {
		if cfg.Probe.PingCount <= 0 {
			return fmt.Errorf("probe.ping_count must be > 0")
		}
		if cfg.Probe.Timeout <= 0 {
			return fmt.Errorf("probe.timeout must be > 0")
		}
	}
	if cfg.Worker != nil {
		if cfg.Worker.Dir == "" {
			return fmt.Errorf("worker.dir is required")
		}
		if cfg.Worker.ReconnectInterval <= 0 {
			return fmt.Errorf("worker.reconnect_interval must be > 0")
		}
		if cfg.Worker.ReconnectMaxAttempts < 0 {
			return fmt.Errorf("worker.reconnect_max_attempts must be >= 0")
		}
	}
	if cfg.Agent != nil && cfg.Agent.TestInterval > 0 && cfg.Probe == nil {
		return fmt.Errorf("agent.test_interval requires a probe section")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Probe != nil {
		if cfg.Probe.Listen == "" {
			cfg.Probe.Listen = DefaultProbeListen
		}
		if cfg.Probe.PingCount == 0 {
			cfg.Probe.PingCount = DefaultPingCount
		}
		if cfg.Probe.Timeout == 0 {
			cfg.Probe.Timeout = DefaultProbeTimeout
		}
	}

	if cfg.Worker != nil {
		if cfg.Worker.Dir == "" {
			cfg.Worker.Dir = DefaultWorkerDir
		}
		if cfg.Worker.Executable == "" {
			cfg.Worker.Executable = DefaultExecutable(runtime.GOOS)
		}
		if cfg.Worker.LogsDir == "" {
			cfg.Worker.LogsDir = DefaultWorkerLogsDir
		}
		if cfg.Worker.Host == "" {
			cfg.Worker.Host = DefaultWorkerHost
		}
		if cfg.Worker.Origin == "" {
			cfg.Worker.Origin = DefaultWorkerOrigin
		}
		if cfg.Worker.StartTimeout == 0 {
			cfg.Worker.StartTimeout = DefaultStartTimeout
		}
		if cfg.Worker.ReconnectInterval == 0 {
			cfg.Worker.ReconnectInterval = DefaultReconnectInterval
		}
	}
}

// DefaultExecutable returns the helper binary name for goos.
func DefaultExecutable(goos string) string {
	if goos == "windows" {
		return "flo-worker.exe"
	}
	return "flo-worker"
}
