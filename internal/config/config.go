package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/orbanhq/orban-agent/pkg/debug"
	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultConfigDir is created next to the executable when ORBAN_CONFIG_DIR is unset.
	DefaultConfigDir = "config"
	// DefaultConfigFile is looked up inside the config directory.
	DefaultConfigFile = "config.toml"
	// DefaultPlatformURL is the production platform.
	DefaultPlatformURL = "https://platform.orban.ai"
	// DefaultConnectPath is appended to the platform URL for the agent socket.
	DefaultConnectPath = "/agent/v1/connect"
)

// Duration is a time.Duration that reads "30s"-style strings from TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

type NetworkConfig struct {
	ConnectPath          string   `toml:"connect_path"`
	CAFile               string   `toml:"ca_file"`
	InsecureSkipVerify   bool     `toml:"insecure_skip_verify"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	WriteWait            Duration `toml:"write_wait"`
	PongWait             Duration `toml:"pong_wait"`
	PingPeriod           Duration `toml:"ping_period"`
	DispatchTimeout      Duration `toml:"dispatch_timeout"`
	MaxMessageSize       int64    `toml:"max_message_size"`
	SendQueueSize        int      `toml:"send_queue_size"`
	ReconnectBase        Duration `toml:"reconnect_base"`
	ReconnectCap         Duration `toml:"reconnect_cap"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type TaskConfig struct {
	MaxConcurrent    int      `toml:"max_concurrent"`
	GraceFactor      float64  `toml:"grace_factor"`
	MinTimeout       Duration `toml:"min_timeout"`
	ProgressInterval Duration `toml:"progress_interval"`
	ReservedVRAMGB   float64  `toml:"reserved_vram_gb"`
	Frameworks       []string `toml:"frameworks"`
	FP16             bool     `toml:"fp16"`
	// Runner is the command that executes a task; empty rejects every task.
	Runner          string   `toml:"runner"`
	RunnerArgs      []string `toml:"runner_args"`
	DownloadTimeout Duration `toml:"download_timeout"`
	MaxDownloads    int      `toml:"max_downloads"`
}

type CleanupConfig struct {
	Interval Duration `toml:"interval"`
	MaxAge   Duration `toml:"max_age"`
}

type TelemetryConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MetricsInterval   Duration `toml:"metrics_interval"`
	SampleInterval    Duration `toml:"sample_interval"`
	MaxSamples        int      `toml:"max_samples"`
}

type LocationConfig struct {
	Country  string `toml:"country"`
	Region   string `toml:"region"`
	Timezone string `toml:"timezone"`
}

type PowConfig struct {
	MaxComputeTime Duration `toml:"max_compute_time"`
	Workers        int      `toml:"workers"`
}

// Config is the complete agent configuration.
type Config struct {
	PlatformURL string `toml:"platform_url"`
	AgentID     string `toml:"agent_id"`
	KeyPath     string `toml:"key_path"`
	DataDir     string `toml:"data_dir"`
	LogLevel    string `toml:"log_level"`
	Debug       bool   `toml:"debug"`

	Network   NetworkConfig   `toml:"network"`
	Tasks     TaskConfig      `toml:"tasks"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Location  LocationConfig  `toml:"location"`
	PoW       PowConfig       `toml:"pow"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		PlatformURL: DefaultPlatformURL,
		KeyPath:     filepath.Join(dir, "agent.key"),
		DataDir:     filepath.Join(dir, "data"),
		LogLevel:    "INFO",
		Network: NetworkConfig{
			ConnectPath:      DefaultConnectPath,
			HandshakeTimeout: Duration(30 * time.Second),
			WriteWait:        Duration(10 * time.Second),
			PongWait:         Duration(60 * time.Second),
			PingPeriod:       Duration(54 * time.Second),
			DispatchTimeout:  Duration(5 * time.Second),
			MaxMessageSize:   512 * 1024,
			SendQueueSize:    256,
			ReconnectBase:    Duration(time.Second),
			ReconnectCap:     Duration(300 * time.Second),
		},
		Tasks: TaskConfig{
			MaxConcurrent:    1,
			GraceFactor:      1.5,
			MinTimeout:       Duration(time.Minute),
			ProgressInterval: Duration(5 * time.Second),
			ReservedVRAMGB:   2,
			Frameworks:       []string{"pytorch", "onnx"},
			DownloadTimeout:  Duration(time.Hour),
			MaxDownloads:     3,
		},
		Cleanup: CleanupConfig{
			Interval: Duration(6 * time.Hour),
			MaxAge:   Duration(7 * 24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			MetricsInterval:   Duration(5 * time.Minute),
			SampleInterval:    Duration(30 * time.Second),
			MaxSamples:        60,
		},
		PoW: PowConfig{
			MaxComputeTime: Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the TOML file, then a .env
// file, then ORBAN_* environment variables. An empty path means
// <config dir>/config.toml, which may be absent.
func Load(path string) (*Config, error) {
	dir := GetConfigDir()
	cfg := Default(dir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, DefaultConfigFile)
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		debug.Debug("No config file at %s, using defaults", path)
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	debug.Info("Loaded config file: %s", path)
	return nil
}

// loadDotEnv reads ORBAN_ENV_FILE or ./.env. Variables already present in
// the process environment are not overridden.
func loadDotEnv() error {
	envFile := os.Getenv("ORBAN_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
		if _, err := os.Stat(envFile); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	debug.Info("Loaded environment from %s", envFile)
	return nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PlatformURL == "" {
		errs = append(errs, errors.New("platform_url is required"))
	}
	if _, err := c.WebSocketURL(); err != nil && c.PlatformURL != "" {
		errs = append(errs, err)
	}
	if c.KeyPath == "" {
		errs = append(errs, errors.New("key_path is required"))
	}
	if c.Telemetry.HeartbeatInterval <= 0 || c.Telemetry.MetricsInterval <= 0 || c.Telemetry.SampleInterval <= 0 {
		errs = append(errs, errors.New("telemetry intervals must be positive"))
	}
	if c.Telemetry.MaxSamples <= 0 {
		errs = append(errs, errors.New("telemetry.max_samples must be positive"))
	}
	if c.Tasks.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("tasks.max_concurrent must be positive"))
	}
	if c.Tasks.GraceFactor < 1 {
		errs = append(errs, errors.New("tasks.grace_factor must be at least 1"))
	}
	if c.Network.PingPeriod >= c.Network.PongWait {
		errs = append(errs, errors.New("network.ping_period must be shorter than network.pong_wait"))
	}
	if c.Network.ReconnectBase <= 0 || c.Network.ReconnectCap < c.Network.ReconnectBase {
		errs = append(errs, errors.New("network.reconnect_cap must be at least network.reconnect_base"))
	}
	if c.Network.SendQueueSize <= 0 {
		errs = append(errs, errors.New("network.send_queue_size must be positive"))
	}
	if c.Tasks.MaxDownloads <= 0 {
		errs = append(errs, errors.New("tasks.max_downloads must be positive"))
	}
	if c.Network.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("network.max_reconnect_attempts cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// LedgerPath is the SQLite file for earnings events.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// WorkDir holds one scratch directory per running task.
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// CacheDir holds downloaded models and inputs keyed by content hash.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// GetConfigDir returns the agent's configuration directory, creating it if
// needed. ORBAN_CONFIG_DIR wins; otherwise ./config next to the executable.
func GetConfigDir() string {
	var configDir string

	if envDir := os.Getenv("ORBAN_CONFIG_DIR"); envDir != "" {
		configDir = envDir
		if !filepath.IsAbs(envDir) {
			if abs, err := filepath.Abs(envDir); err == nil {
				configDir = abs
			}
		}
	} else if execPath, err := os.Executable(); err == nil {
		configDir = filepath.Join(filepath.Dir(execPath), DefaultConfigDir)
	} else {
		debug.Error("Could not get executable path: %v", err)
		configDir = DefaultConfigDir
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		debug.Warning("Failed to create config directory %s: %v, falling back to %s", configDir, err, DefaultConfigDir)
		configDir = DefaultConfigDir
	}

	debug.Debug("Using config directory: %s", configDir)
	return configDir
}
