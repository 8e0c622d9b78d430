package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/cursor-bridge/internal/session"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CURSOR_BRIDGE"

// Config holds all application configuration
type Config struct {
	DefaultServer string                  `yaml:"default_server" toml:"default_server"`
	Servers       map[string]ServerConfig `yaml:"servers" toml:"servers"`
	Security      SecurityConfig          `yaml:"security" toml:"security"`
	Execution     ExecutionConfig         `yaml:"execution" toml:"execution"`
	History       HistoryConfig           `yaml:"history" toml:"history"`
	Logging       LoggingConfig           `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig           `yaml:"metrics" toml:"metrics"`
}

// ServerConfig is one entry of the server topology
type ServerConfig struct {
	Type        string        `yaml:"type" toml:"type"`
	Description string        `yaml:"description" toml:"description"`
	Tmux        TmuxConfig    `yaml:"tmux" toml:"tmux"`
	Session     SessionConfig `yaml:"session" toml:"session"`
}

// TmuxConfig names the local tmux session and window serving a server
type TmuxConfig struct {
	SessionName string `yaml:"session_name" toml:"session_name"`
	WindowName  string `yaml:"window_name" toml:"window_name"`
}

// SessionConfig holds session settings
type SessionConfig struct {
	Name             string            `yaml:"name" toml:"name"`
	WorkingDirectory string            `yaml:"working_directory" toml:"working_directory"`
	Environment      map[string]string `yaml:"environment" toml:"environment"`
	Shell            string            `yaml:"shell" toml:"shell"`
}

// SecurityConfig holds the limits and command policy every execution is
// checked against
type SecurityConfig struct {
	AllowedCommands       []string `yaml:"allowed_commands" toml:"allowed_commands"`
	BlockedCommands       []string `yaml:"blocked_commands" toml:"blocked_commands"`
	BlockedPatterns       []string `yaml:"blocked_patterns" toml:"blocked_patterns"`
	CommandTimeout        Duration `yaml:"command_timeout" toml:"command_timeout"`
	MaxOutputSize         int      `yaml:"max_output_size" toml:"max_output_size"`
	MaxConcurrentCommands int      `yaml:"max_concurrent_commands" toml:"max_concurrent_commands"`
	AllowedPaths          []string `yaml:"allowed_paths" toml:"allowed_paths"`
	BlockedPaths          []string `yaml:"blocked_paths" toml:"blocked_paths"`
}

// ExecutionConfig tunes the worker pool and the tmux capture protocol
type ExecutionConfig struct {
	Workers       int      `yaml:"workers" toml:"workers"`
	CaptureMode   string   `yaml:"capture_mode" toml:"capture_mode"`
	SettleDelay   Duration `yaml:"settle_delay" toml:"settle_delay"`
	CdSettleDelay Duration `yaml:"cd_settle_delay" toml:"cd_settle_delay"`
	CaptureLines  int      `yaml:"capture_lines" toml:"capture_lines"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	RetryBackoff  string   `yaml:"retry_backoff" toml:"retry_backoff"`
	ShutdownGrace Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// HistoryConfig holds history store settings
type HistoryConfig struct {
	DatabasePath  string   `yaml:"database_path" toml:"database_path"`
	RetentionCron string   `yaml:"retention_cron" toml:"retention_cron"`
	MaxAge        Duration `yaml:"max_age" toml:"max_age"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level       string   `yaml:"level" toml:"level"`
	Development bool     `yaml:"development" toml:"development"`
	Output      []string `yaml:"output" toml:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// Duration accepts Go duration strings ("30s", "5m") or a bare number of
// seconds
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with sensible defaults and a single local shell
// server
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DefaultServer: "local",
		Servers: map[string]ServerConfig{
			"local": {
				Type:        string(session.KindShell),
				Description: "Local shell",
				Session:     SessionConfig{Name: "local"},
			},
		},
		Security: SecurityConfig{
			CommandTimeout:        Duration(300 * time.Second),
			MaxOutputSize:         10 * 1024 * 1024,
			MaxConcurrentCommands: 10,
		},
		Execution: ExecutionConfig{
			CaptureMode:   string(session.CaptureSentinel),
			SettleDelay:   Duration(time.Second),
			CdSettleDelay: Duration(500 * time.Millisecond),
			CaptureLines:  2000,
			PollInterval:  Duration(200 * time.Millisecond),
			RetryBackoff:  "constant",
			ShutdownGrace: Duration(10 * time.Second),
		},
		History: HistoryConfig{
			DatabasePath:  filepath.Join(home, ".cursor-bridge", "history.db"),
			RetentionCron: "0 3 * * *",
			MaxAge:        Duration(30 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Load reads configuration from a YAML or TOML file, chosen by extension,
// falling back to defaults when the file does not exist
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// a file that lists servers replaces the default topology
	defaults := cfg.Servers
	cfg.Servers = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = defaults
		if _, ok := defaults[cfg.DefaultServer]; !ok {
			cfg.DefaultServer = "local"
		}
	}
	cfg.normalize()
	return cfg, nil
}

// normalize fills per-server defaults and expands paths
func (c *Config) normalize() {
	for name, srv := range c.Servers {
		if srv.Type == string(session.KindTmux) {
			if srv.Tmux.SessionName == "" {
				srv.Tmux.SessionName = name
			}
			if srv.Tmux.WindowName == "" {
				srv.Tmux.WindowName = "main"
			}
		}
		if srv.Session.Name == "" {
			srv.Session.Name = name
		}
		srv.Session.WorkingDirectory = ExpandPath(srv.Session.WorkingDirectory)
		c.Servers[name] = srv
	}
	c.History.DatabasePath = ExpandPath(c.History.DatabasePath)
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = c.Security.MaxConcurrentCommands
	}
}

// Env holds the CURSOR_BRIDGE_* overrides
type Env struct {
	Config        string `envconfig:"CONFIG"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	LogDev        string `envconfig:"LOG_DEV"`
	DBPath        string `envconfig:"DB_PATH"`
	MetricsListen string `envconfig:"METRICS_LISTEN"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT"`
	CaptureMode   string `envconfig:"CAPTURE_MODE"`
}

// LoadEnv reads the CURSOR_BRIDGE_* environment variables
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("failed to load environment: %w", err)
	}
	return env, nil
}

// ApplyEnv overlays the non-empty overrides
func (c *Config) ApplyEnv(env Env) error {
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogDev != "" {
		dev, err := strconv.ParseBool(env.LogDev)
		if err != nil {
			return fmt.Errorf("%s_LOG_DEV: %w", EnvPrefix, err)
		}
		c.Logging.Development = dev
	}
	if env.DBPath != "" {
		c.History.DatabasePath = ExpandPath(env.DBPath)
	}
	if env.MetricsListen != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = env.MetricsListen
	}
	if env.MaxConcurrent > 0 {
		c.Security.MaxConcurrentCommands = env.MaxConcurrent
		if c.Execution.Workers > env.MaxConcurrent {
			c.Execution.Workers = env.MaxConcurrent
		}
	}
	if env.CaptureMode != "" {
		c.Execution.CaptureMode = env.CaptureMode
	}
	return nil
}

// Validate checks the topology and limits
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no servers configured")
	}
	sessions := make(map[string]string)
	for _, name := range c.ServerNames() {
		srv := c.Servers[name]
		kind, err := session.ParseKind(srv.Type)
		if err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		sessionName := c.SessionName(name)
		if kind == session.KindTmux && srv.Tmux.SessionName == "" {
			return fmt.Errorf("server %q: tmux.session_name is required", name)
		}
		if other, ok := sessions[sessionName]; ok {
			return fmt.Errorf("servers %q and %q share session %q", other, name, sessionName)
		}
		sessions[sessionName] = name
	}
	if c.DefaultServer != "" {
		if _, ok := c.Servers[c.DefaultServer]; !ok {
			return fmt.Errorf("default_server %q is not configured", c.DefaultServer)
		}
	}

	if c.Security.CommandTimeout <= 0 {
		return fmt.Errorf("security.command_timeout must be positive")
	}
	if c.Security.MaxOutputSize <= 0 {
		return fmt.Errorf("security.max_output_size must be positive")
	}
	if c.Security.MaxConcurrentCommands <= 0 {
		return fmt.Errorf("security.max_concurrent_commands must be positive")
	}
	for _, p := range c.Security.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("security.blocked_patterns: %w", err)
		}
	}

	if _, err := session.ParseCaptureMode(c.Execution.CaptureMode); err != nil {
		return fmt.Errorf("execution.capture_mode: %w", err)
	}
	switch c.Execution.RetryBackoff {
	case "", "constant", "linear":
	default:
		return fmt.Errorf("execution.retry_backoff: unknown strategy %q", c.Execution.RetryBackoff)
	}
	if c.History.MaxAge < 0 {
		return fmt.Errorf("history.max_age must not be negative")
	}
	return nil
}

// ServerNames returns configured server names in sorted order
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionName returns the backend session that serves a server
func (c *Config) SessionName(server string) string {
	srv := c.Servers[server]
	if srv.Type == string(session.KindTmux) && srv.Tmux.SessionName != "" {
		return srv.Tmux.SessionName
	}
	if srv.Session.Name != "" {
		return srv.Session.Name
	}
	return server
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cursor-bridge", "config.yaml")
}
