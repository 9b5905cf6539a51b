package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig controls how the agent child process is located and restarted.
type AgentConfig struct {
	// Path is the interpreter used for non-TypeScript scripts. Default "node".
	Path string `yaml:"path"`
	// Script is the agent entry script. Empty triggers dev-layout discovery.
	Script string `yaml:"script"`
	// Runner launches TypeScript scripts through tsx. Default "npx".
	Runner string `yaml:"runner"`
	// RestartSettleMS is the pause between a respawn and the retried send.
	RestartSettleMS int `yaml:"restart_settle_ms"`
}

// GatewayConfig controls the OpenClaw gateway and node host children.
type GatewayConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	HealthPath  string `yaml:"health_path"`
	DisplayName string `yaml:"display_name"`

	// OpenClawBin overrides the default ~/.naia/openclaw/node_modules/.bin/openclaw.
	OpenClawBin string `yaml:"openclaw_bin"`
	// ConfigPath overrides the OpenClaw config discovery.
	ConfigPath string `yaml:"config_path"`

	MinNodeMajor     int `yaml:"min_node_major"`
	ProbeTimeoutMS   int `yaml:"probe_timeout_ms"`
	HealthWaitMS     int `yaml:"health_wait_ms"`
	HealthPollMS     int `yaml:"health_poll_ms"`
	NodeHostSettleMS int `yaml:"node_host_settle_ms"`
}

// HealthConfig controls the periodic gateway health monitor.
type HealthConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	FailureThreshold int `yaml:"failure_threshold"`
}

type ReaperConfig struct {
	GraceMS int `yaml:"grace_ms"`
}

type AuditConfig struct {
	// RetentionDays of 0 keeps audit events forever.
	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`
}

// TelemetryConfig mirrors otel.Config so it can be set from config.yaml.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DebugE2E bool   `yaml:"debug_e2e"`

	// UIBindAddr is the loopback listener for the webview API.
	UIBindAddr string `yaml:"ui_bind_addr"`
	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Agent     AgentConfig     `yaml:"agent"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Health    HealthConfig    `yaml:"health"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// FileMissing is true when no config.yaml existed and defaults were used.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// RunDir holds the PID records.
func (c Config) RunDir() string {
	return filepath.Join(c.HomeDir, "run")
}

func (c Config) LogDir() string {
	return filepath.Join(c.HomeDir, "logs")
}

func (c Config) AuditDBPath() string {
	return filepath.Join(c.HomeDir, "audit.db")
}

// GatewayURL is the base URL of the gateway on loopback.
func (c Config) GatewayURL() string {
	return "http://" + net.JoinHostPort(c.Gateway.Host, strconv.Itoa(c.Gateway.Port))
}

// GatewayHealthURL is the endpoint probed by the health monitor.
func (c Config) GatewayHealthURL() string {
	return c.GatewayURL() + c.Gateway.HealthPath
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Gateway.ProbeTimeoutMS) * time.Millisecond
}

func (c Config) ReaperGrace() time.Duration {
	return time.Duration(c.Reaper.GraceMS) * time.Millisecond
}

func (c Config) RestartSettle() time.Duration {
	return time.Duration(c.Agent.RestartSettleMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the settings that affect process supervision.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "agent=%s|%s|%s|gw=%s:%d%s|health=%d/%d|ui=%s|origins=%v",
		c.Agent.Path, c.Agent.Script, c.Agent.Runner,
		c.Gateway.Host, c.Gateway.Port, c.Gateway.HealthPath,
		c.Health.IntervalSeconds, c.Health.FailureThreshold,
		c.UIBindAddr, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		UIBindAddr: "127.0.0.1:18790",
		Agent: AgentConfig{
			Path:            "node",
			Runner:          "npx",
			RestartSettleMS: 300,
		},
		Gateway: GatewayConfig{
			Host:             "127.0.0.1",
			Port:             18789,
			HealthPath:       "/__openclaw__/canvas/",
			DisplayName:      "NaiaLocal",
			MinNodeMajor:     22,
			ProbeTimeoutMS:   2000,
			HealthWaitMS:     5000,
			HealthPollMS:     500,
			NodeHostSettleMS: 1000,
		},
		Health: HealthConfig{
			IntervalSeconds:  30,
			FailureThreshold: 3,
		},
		Reaper: ReaperConfig{GraceMS: 500},
		Audit: AuditConfig{
			RetentionDays:     90,
			RetentionSchedule: "@hourly",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "naia-shell",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("NAIA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".naia")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create naia home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FileMissing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.UIBindAddr) == "" {
		cfg.UIBindAddr = def.UIBindAddr
	}
	if cfg.Agent.Path == "" {
		cfg.Agent.Path = def.Agent.Path
	}
	if cfg.Agent.Runner == "" {
		cfg.Agent.Runner = def.Agent.Runner
	}
	if cfg.Agent.RestartSettleMS < 0 {
		cfg.Agent.RestartSettleMS = def.Agent.RestartSettleMS
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = def.Gateway.Host
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.HealthPath == "" {
		cfg.Gateway.HealthPath = def.Gateway.HealthPath
	}
	if !strings.HasPrefix(cfg.Gateway.HealthPath, "/") {
		cfg.Gateway.HealthPath = "/" + cfg.Gateway.HealthPath
	}
	if cfg.Gateway.DisplayName == "" {
		cfg.Gateway.DisplayName = def.Gateway.DisplayName
	}
	if cfg.Gateway.MinNodeMajor <= 0 {
		cfg.Gateway.MinNodeMajor = def.Gateway.MinNodeMajor
	}
	if cfg.Gateway.ProbeTimeoutMS <= 0 {
		cfg.Gateway.ProbeTimeoutMS = def.Gateway.ProbeTimeoutMS
	}
	if cfg.Gateway.HealthWaitMS <= 0 {
		cfg.Gateway.HealthWaitMS = def.Gateway.HealthWaitMS
	}
	if cfg.Gateway.HealthPollMS <= 0 {
		cfg.Gateway.HealthPollMS = def.Gateway.HealthPollMS
	}
	if cfg.Gateway.NodeHostSettleMS < 0 {
		cfg.Gateway.NodeHostSettleMS = def.Gateway.NodeHostSettleMS
	}
	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = def.Health.IntervalSeconds
	}
	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if cfg.Reaper.GraceMS <= 0 {
		cfg.Reaper.GraceMS = def.Reaper.GraceMS
	}
	if cfg.Audit.RetentionDays < 0 {
		cfg.Audit.RetentionDays = 0
	}
	if cfg.Audit.RetentionSchedule == "" {
		cfg.Audit.RetentionSchedule = def.Audit.RetentionSchedule
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
}

func validate(cfg Config) error {
	if cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", cfg.Gateway.Port)
	}
	host, _, err := net.SplitHostPort(cfg.UIBindAddr)
	if err != nil {
		return fmt.Errorf("ui_bind_addr %q: %w", cfg.UIBindAddr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("ui_bind_addr %q must be a loopback address", cfg.UIBindAddr)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NAIA_AGENT_PATH"); raw != "" {
		cfg.Agent.Path = raw
	}
	if raw := os.Getenv("NAIA_AGENT_SCRIPT"); raw != "" {
		cfg.Agent.Script = raw
	}
	if raw := os.Getenv("NAIA_AGENT_RUNNER"); raw != "" {
		cfg.Agent.Runner = raw
	}
	if raw := os.Getenv("NAIA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NAIA_UI_BIND_ADDR"); raw != "" {
		cfg.UIBindAddr = raw
	}
	if raw := os.Getenv("NAIA_DEBUG_E2E"); raw != "" {
		cfg.DebugE2E = ParseBoolFlag(raw)
	}
	if raw := os.Getenv("NAIA_HEALTH_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Health.IntervalSeconds = v
		}
	}
}

// ParseBoolFlag accepts the spellings the desktop launcher uses for debug toggles.
func ParseBoolFlag(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "1", "true", "TRUE", "True", "yes":
		return true
	default:
		return false
	}
}
