// Package config loads combatlogd's configuration from a YAML file plus
// environment variable overrides, then validates the result. Shape and
// precedence (file -> defaults -> env overrides -> validate) are carried
// over from the teacher's internal/config/config.go, trimmed to this
// service's much smaller key set: the four domain keys spec.md §6 names
// (log_directory, active_character, overlay_tick_hz, top_n) plus the
// ambient ones every teacher service config carries (log level, the
// combined HTTP listen address, the OTLP endpoint, and columnar backend
// selection).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pipelineerrors "combatlog/pkg/errors"

	"gopkg.in/yaml.v2"
)

// AppConfig names the process for logging and metrics labeling.
type AppConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`
}

// ServerConfig is the single HTTP listener serving /healthz, /status,
// and /metrics (internal/httpapi).
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// MetricsConfig controls the Prometheus exposition namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// TracingConfig controls OTLP/HTTP span export; an empty Endpoint
// disables tracing export entirely (no-op tracer provider).
type TracingConfig struct {
	Endpoint string `yaml:"otlp_endpoint"`
}

// ColumnarConfig selects and configures the Columnar Materializer's
// backing store.
type ColumnarConfig struct {
	Backend   string `yaml:"backend"` // "fs" or "s3"
	Directory string `yaml:"directory"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
}

// Config is combatlogd's full configuration.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	LogDirectory    string  `yaml:"log_directory"`
	ActiveCharacter string  `yaml:"active_character"`
	OverlayTickHz   float64 `yaml:"overlay_tick_hz"`
	TopN            int     `yaml:"top_n"`

	Columnar ColumnarConfig `yaml:"columnar"`
}

// Load reads configFile (if non-empty), applies defaults for anything
// left unset, applies environment variable overrides, and validates the
// result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			return nil, pipelineerrors.ConfigError("load_file", err.Error())
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "combatlogd"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8401
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "5s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "10s"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "combatlogd"
	}

	if cfg.OverlayTickHz == 0 {
		cfg.OverlayTickHz = 2.0
	}
	if cfg.TopN == 0 {
		cfg.TopN = 8
	}

	if cfg.Columnar.Backend == "" {
		cfg.Columnar.Backend = "fs"
	}
	if cfg.Columnar.Directory == "" {
		cfg.Columnar.Directory = "/var/lib/combatlogd/encounters"
	}
	if cfg.Columnar.Prefix == "" {
		cfg.Columnar.Prefix = "combatlog"
	}
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// applyEnvOverrides mirrors the teacher's SSW_* prefixed override
// convention, renamed to COMBATLOG_*.
func applyEnvOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("COMBATLOG_APP_NAME", cfg.App.Name)
	cfg.App.LogLevel = getEnvString("COMBATLOG_LOG_LEVEL", cfg.App.LogLevel)

	cfg.Server.Enabled = getEnvBool("COMBATLOG_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("COMBATLOG_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("COMBATLOG_SERVER_PORT", cfg.Server.Port)

	cfg.Metrics.Namespace = getEnvString("COMBATLOG_METRICS_NAMESPACE", cfg.Metrics.Namespace)
	cfg.Tracing.Endpoint = getEnvString("COMBATLOG_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.LogDirectory = getEnvString("COMBATLOG_LOG_DIRECTORY", cfg.LogDirectory)
	cfg.ActiveCharacter = getEnvString("COMBATLOG_ACTIVE_CHARACTER", cfg.ActiveCharacter)
	cfg.OverlayTickHz = getEnvFloat("COMBATLOG_OVERLAY_TICK_HZ", cfg.OverlayTickHz)
	cfg.TopN = getEnvInt("COMBATLOG_TOP_N", cfg.TopN)

	cfg.Columnar.Backend = getEnvString("COMBATLOG_COLUMNAR_BACKEND", cfg.Columnar.Backend)
	cfg.Columnar.Directory = getEnvString("COMBATLOG_COLUMNAR_DIRECTORY", cfg.Columnar.Directory)
	cfg.Columnar.Bucket = getEnvString("COMBATLOG_COLUMNAR_BUCKET", cfg.Columnar.Bucket)
	cfg.Columnar.Prefix = getEnvString("COMBATLOG_COLUMNAR_PREFIX", cfg.Columnar.Prefix)
	cfg.Columnar.Region = getEnvString("COMBATLOG_COLUMNAR_REGION", cfg.Columnar.Region)
}

// Validate performs comprehensive configuration validation, modeled on
// the teacher's ConfigValidator (one method per concern, errors
// accumulated then joined).
func Validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	v.validateApp()
	v.validateServer()
	v.validateDomain()
	v.validateColumnar()
	if len(v.errs) == 0 {
		return nil
	}
	if len(v.errs) == 1 {
		return v.errs[0]
	}
	msg := ""
	for i, e := range v.errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return pipelineerrors.ConfigError("validate", msg)
}

type validator struct {
	cfg  *Config
	errs []error
}

func (v *validator) fail(op, msg string) {
	v.errs = append(v.errs, pipelineerrors.ConfigError(op, msg))
}

func (v *validator) validateApp() {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[v.cfg.App.LogLevel] {
		v.fail("validate_log_level", fmt.Sprintf("invalid log level: %s", v.cfg.App.LogLevel))
	}
}

func (v *validator) validateServer() {
	if !v.cfg.Server.Enabled {
		return
	}
	if v.cfg.Server.Port <= 0 || v.cfg.Server.Port > 65535 {
		v.fail("validate_port", fmt.Sprintf("invalid server port: %d", v.cfg.Server.Port))
	}
	if v.cfg.Server.ReadTimeout != "" {
		if _, err := time.ParseDuration(v.cfg.Server.ReadTimeout); err != nil {
			v.fail("validate_read_timeout", fmt.Sprintf("invalid read timeout: %s", v.cfg.Server.ReadTimeout))
		}
	}
	if v.cfg.Server.WriteTimeout != "" {
		if _, err := time.ParseDuration(v.cfg.Server.WriteTimeout); err != nil {
			v.fail("validate_write_timeout", fmt.Sprintf("invalid write timeout: %s", v.cfg.Server.WriteTimeout))
		}
	}
}

func (v *validator) validateDomain() {
	if v.cfg.LogDirectory == "" {
		v.fail("validate_log_directory", "log_directory cannot be empty")
	} else if !filepath.IsAbs(v.cfg.LogDirectory) {
		v.fail("validate_log_directory", fmt.Sprintf("log_directory must be an absolute path: %s", v.cfg.LogDirectory))
	}
	if v.cfg.OverlayTickHz <= 0 {
		v.fail("validate_overlay_tick_hz", "overlay_tick_hz must be positive")
	}
	if v.cfg.TopN <= 0 {
		v.fail("validate_top_n", "top_n must be positive")
	}
}

func (v *validator) validateColumnar() {
	switch v.cfg.Columnar.Backend {
	case "fs":
		if v.cfg.Columnar.Directory == "" {
			v.fail("validate_columnar_directory", "columnar directory cannot be empty for the fs backend")
		}
	case "s3":
		if v.cfg.Columnar.Bucket == "" {
			v.fail("validate_columnar_bucket", "columnar bucket cannot be empty for the s3 backend")
		}
	default:
		v.fail("validate_columnar_backend", fmt.Sprintf("unknown columnar backend: %s", v.cfg.Columnar.Backend))
	}
}
