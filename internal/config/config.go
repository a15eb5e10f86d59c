// Package config loads dcranged settings from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// State backends accepted by state_backend.
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

// Config holds daemon listener, state, catalog and tool settings.
type Config struct {
	ConfigPath        string
	Listen            string
	AuthToken         string
	AuthTokenPath     string
	ControlAllowCIDRs []string
	MetricsListen     string
	OrchestrateLimit  int
	OrchestrateWindow time.Duration

	DataDir              string
	StateBackend         string
	StatePath            string
	DBPath               string
	StateAgeIdentityPath string

	CatalogDir  string
	Saltenv     string
	SaltPath    string
	SaltKeyPath string
	SaltRunPath string

	TerraformPath           string
	TerraformDir            string
	TerraformVarsDir        string
	TerraformEnv            map[string]string
	TerraformCommandTimeout time.Duration

	MaxMachines       int
	AcceptTimeout     time.Duration
	AcceptInterval    time.Duration
	ApplyTimeout      time.Duration
	ApplyInterval     time.Duration
	PingAttempts      int
	PingBackoff       time.Duration
	SkipPillarRefresh bool
	RecoveryPause     time.Duration
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Listen            string        `yaml:"listen"`
	AuthToken         string        `yaml:"auth_token"`
	AuthTokenPath     string        `yaml:"auth_token_path"`
	ControlAllowCIDRs []string      `yaml:"control_allow_cidrs"`
	MetricsListen     string        `yaml:"metrics_listen"`
	OrchestrateLimit  int           `yaml:"orchestrate_limit"`
	OrchestrateWindow time.Duration `yaml:"orchestrate_window"`

	DataDir              string `yaml:"data_dir"`
	StateBackend         string `yaml:"state_backend"`
	StatePath            string `yaml:"state_path"`
	DBPath               string `yaml:"db_path"`
	StateAgeIdentityPath string `yaml:"state_age_identity_path"`

	CatalogDir  string `yaml:"catalog_dir"`
	Saltenv     string `yaml:"saltenv"`
	SaltPath    string `yaml:"salt_path"`
	SaltKeyPath string `yaml:"salt_key_path"`
	SaltRunPath string `yaml:"salt_run_path"`

	TerraformPath           string            `yaml:"terraform_path"`
	TerraformDir            string            `yaml:"terraform_dir"`
	TerraformVarsDir        string            `yaml:"terraform_vars_dir"`
	TerraformEnv            map[string]string `yaml:"terraform_env"`
	TerraformCommandTimeout time.Duration     `yaml:"terraform_command_timeout"`

	MaxMachines       int           `yaml:"max_machines"`
	AcceptTimeout     time.Duration `yaml:"accept_timeout"`
	AcceptInterval    time.Duration `yaml:"accept_interval"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	ApplyInterval     time.Duration `yaml:"apply_interval"`
	PingAttempts      int           `yaml:"ping_attempts"`
	PingBackoff       time.Duration `yaml:"ping_backoff"`
	SkipPillarRefresh bool          `yaml:"skip_pillar_refresh"`
	RecoveryPause     time.Duration `yaml:"recovery_pause"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/dcrange"
	return Config{
		ConfigPath:              "/etc/dcrange/config.yaml",
		Listen:                  "127.0.0.1:8080",
		MetricsListen:           "",
		OrchestrateLimit:        5,
		OrchestrateWindow:       time.Minute,
		DataDir:                 dataDir,
		StateBackend:            StateBackendFile,
		StatePath:               filepath.Join(dataDir, "current-job.json"),
		DBPath:                  filepath.Join(dataDir, "dcrange.db"),
		Saltenv:                 "base",
		SaltPath:                "salt",
		SaltKeyPath:             "salt-key",
		SaltRunPath:             "salt-run",
		TerraformPath:           "terraform",
		TerraformDir:            "/opt/dcrange/terraform",
		TerraformCommandTimeout: 30 * time.Minute,
		MaxMachines:             5,
		AcceptTimeout:           3 * time.Minute,
		AcceptInterval:          5 * time.Second,
		ApplyTimeout:            12 * time.Minute,
		ApplyInterval:           2 * time.Second,
		PingAttempts:            5,
		PingBackoff:             3 * time.Second,
		RecoveryPause:           5 * time.Second,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.DataDir, "current-job.json")
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "dcrange.db")
	}
	if cfg.AuthToken == "" && cfg.AuthTokenPath != "" {
		tokenData, err := os.ReadFile(cfg.AuthTokenPath)
		if err != nil {
			return cfg, fmt.Errorf("read auth token %s: %w", cfg.AuthTokenPath, err)
		}
		cfg.AuthToken = strings.TrimSpace(string(tokenData))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.AuthToken != "" {
		cfg.AuthToken = strings.TrimSpace(fileCfg.AuthToken)
	}
	if fileCfg.AuthTokenPath != "" {
		cfg.AuthTokenPath = fileCfg.AuthTokenPath
	}
	if len(fileCfg.ControlAllowCIDRs) > 0 {
		cfg.ControlAllowCIDRs = append([]string(nil), fileCfg.ControlAllowCIDRs...)
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.OrchestrateLimit != 0 {
		cfg.OrchestrateLimit = fileCfg.OrchestrateLimit
	}
	if fileCfg.OrchestrateWindow != 0 {
		cfg.OrchestrateWindow = fileCfg.OrchestrateWindow
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.StateBackend != "" {
		cfg.StateBackend = strings.ToLower(strings.TrimSpace(fileCfg.StateBackend))
	}
	if fileCfg.StatePath != "" {
		cfg.StatePath = fileCfg.StatePath
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.StateAgeIdentityPath != "" {
		cfg.StateAgeIdentityPath = fileCfg.StateAgeIdentityPath
	}
	if fileCfg.CatalogDir != "" {
		cfg.CatalogDir = fileCfg.CatalogDir
	}
	if fileCfg.Saltenv != "" {
		cfg.Saltenv = fileCfg.Saltenv
	}
	if fileCfg.SaltPath != "" {
		cfg.SaltPath = fileCfg.SaltPath
	}
	if fileCfg.SaltKeyPath != "" {
		cfg.SaltKeyPath = fileCfg.SaltKeyPath
	}
	if fileCfg.SaltRunPath != "" {
		cfg.SaltRunPath = fileCfg.SaltRunPath
	}
	if fileCfg.TerraformPath != "" {
		cfg.TerraformPath = fileCfg.TerraformPath
	}
	if fileCfg.TerraformDir != "" {
		cfg.TerraformDir = fileCfg.TerraformDir
	}
	if fileCfg.TerraformVarsDir != "" {
		cfg.TerraformVarsDir = fileCfg.TerraformVarsDir
	}
	if len(fileCfg.TerraformEnv) > 0 {
		cfg.TerraformEnv = make(map[string]string, len(fileCfg.TerraformEnv))
		for k, v := range fileCfg.TerraformEnv {
			cfg.TerraformEnv[k] = v
		}
	}
	if fileCfg.TerraformCommandTimeout > 0 {
		cfg.TerraformCommandTimeout = fileCfg.TerraformCommandTimeout
	}
	if fileCfg.MaxMachines > 0 {
		cfg.MaxMachines = fileCfg.MaxMachines
	}
	if fileCfg.AcceptTimeout > 0 {
		cfg.AcceptTimeout = fileCfg.AcceptTimeout
	}
	if fileCfg.AcceptInterval > 0 {
		cfg.AcceptInterval = fileCfg.AcceptInterval
	}
	if fileCfg.ApplyTimeout > 0 {
		cfg.ApplyTimeout = fileCfg.ApplyTimeout
	}
	if fileCfg.ApplyInterval > 0 {
		cfg.ApplyInterval = fileCfg.ApplyInterval
	}
	if fileCfg.PingAttempts > 0 {
		cfg.PingAttempts = fileCfg.PingAttempts
	}
	if fileCfg.PingBackoff > 0 {
		cfg.PingBackoff = fileCfg.PingBackoff
	}
	if fileCfg.SkipPillarRefresh {
		cfg.SkipPillarRefresh = true
	}
	if fileCfg.RecoveryPause > 0 {
		cfg.RecoveryPause = fileCfg.RecoveryPause
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.AuthTokenPath != "" && c.AuthToken == "" {
		return fmt.Errorf("auth_token_path is set but empty or unreadable")
	}
	if len(c.ControlAllowCIDRs) > 0 && c.AuthToken == "" {
		return fmt.Errorf("control_allow_cidrs requires auth_token")
	}
	for _, cidr := range c.ControlAllowCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("control_allow_cidrs entry %q is invalid: %w", cidr, err)
		}
	}
	if !c.AuthRequired() {
		host, _, _ := net.SplitHostPort(c.Listen)
		if !isLoopbackHost(host) {
			return fmt.Errorf("listen on %q requires auth_token", host)
		}
	}
	switch c.StateBackend {
	case StateBackendFile:
		if c.StatePath == "" {
			return fmt.Errorf("state_path is required")
		}
	case StateBackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required")
		}
	default:
		return fmt.Errorf("state_backend must be %q or %q (got %q)", StateBackendFile, StateBackendSQLite, c.StateBackend)
	}
	if c.TerraformDir == "" {
		return fmt.Errorf("terraform_dir is required")
	}
	if c.MaxMachines <= 0 {
		return fmt.Errorf("max_machines must be positive")
	}
	if c.AcceptTimeout <= 0 || c.AcceptInterval <= 0 {
		return fmt.Errorf("accept_timeout and accept_interval must be positive")
	}
	if c.AcceptInterval > c.AcceptTimeout {
		return fmt.Errorf("accept_interval must not exceed accept_timeout")
	}
	if c.ApplyTimeout <= 0 || c.ApplyInterval <= 0 {
		return fmt.Errorf("apply_timeout and apply_interval must be positive")
	}
	if c.ApplyInterval > c.ApplyTimeout {
		return fmt.Errorf("apply_interval must not exceed apply_timeout")
	}
	if c.PingAttempts <= 0 {
		return fmt.Errorf("ping_attempts must be positive")
	}
	return nil
}

// AuthRequired reports whether control requests must carry the shared token.
func (c Config) AuthRequired() bool {
	return strings.TrimSpace(c.AuthToken) != ""
}

// TerraformEnvList renders terraform_env as KEY=VALUE entries.
func (c Config) TerraformEnvList() []string {
	if len(c.TerraformEnv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.TerraformEnv))
	for k := range c.TerraformEnv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.TerraformEnv[k])
	}
	return out
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
