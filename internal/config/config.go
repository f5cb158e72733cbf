// Package config loads meridiand's static configuration: a YAML file with
// environment-variable overrides, following the same load-then-override
// shape as the teacher's pulse-sensor-proxy config loader, adapted to this
// control plane's settings (data directory, listen address, monitoring
// thresholds) instead of the proxy's network-ACL settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ionforge/meridian/internal/models"
)

// Config is meridiand's full static configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	SSH SSHDefaults `yaml:"ssh"`

	Monitoring models.MonitoringConfig `yaml:"monitoring"`

	// SuppressedResourceIDs holds alert suppression glob patterns applied
	// at startup via alerts.Manager.SetSuppressionRules.
	SuppressedResourceIDs []string `yaml:"suppressed_resource_ids"`
}

// SSHDefaults seeds new Fleet Registry host entries that don't override them.
type SSHDefaults struct {
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

const (
	envPrefix          = "MERIDIAND_"
	defaultDataDir     = "data"
	defaultListen      = ":8080"
	defaultMetricsAddr = ":9090"
	defaultLogLevel    = "info"
	defaultSSHPort     = 22
	defaultSSHUser     = "root"
)

func defaults() Config {
	return Config{
		DataDir:     defaultDataDir,
		ListenAddr:  defaultListen,
		MetricsAddr: defaultMetricsAddr,
		LogLevel:    defaultLogLevel,
		SSH: SSHDefaults{
			Port: defaultSSHPort,
			User: defaultSSHUser,
		},
		Monitoring: models.MonitoringConfig{
			CollectionIntervalSeconds: 60,
			MetricsRetentionDays:      7,
			Thresholds: models.MonitoringThresholds{
				HostCPU: 90, HostMem: 90, HostDisk: 90,
				VMCPU: 90, VMMem: 90, VMDisk: 90,
				NetworkBandwidth: 90, StorageUsage: 90,
			},
			EnabledMonitors: models.EnabledMonitors{Host: true, VM: true, Network: true, Storage: true},
		},
	}
}

// Load reads configPath (if it exists), loads a .env file from the current
// working directory (if present) via godotenv, applies
// MERIDIAND_*-prefixed environment overrides, then applies defaults for
// anything still unset. A missing configPath is not
// an error — Load falls back to defaults plus environment.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
			log.Info().Str("config_file", configPath).Msg("loaded configuration from file")
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		} else {
			log.Info().Str("config_file", configPath).Msg("no config file found, using defaults")
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	applyEnvOverrides(&cfg)
	fillZeroValues(&cfg)

	return &cfg, nil
}

// fillZeroValues re-applies defaults for any field Load left unset, the
// same "loaded_config overrides default_config, not the reverse" merge the
// monitoring config loader in the source performs per-key.
func fillZeroValues(cfg *Config) {
	d := defaults()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = d.MetricsAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = d.SSH.Port
	}
	if cfg.SSH.User == "" {
		cfg.SSH.User = d.SSH.User
	}
	if cfg.Monitoring.CollectionIntervalSeconds == 0 {
		cfg.Monitoring.CollectionIntervalSeconds = d.Monitoring.CollectionIntervalSeconds
	}
	if cfg.Monitoring.MetricsRetentionDays == 0 {
		cfg.Monitoring.MetricsRetentionDays = d.Monitoring.MetricsRetentionDays
	}
	if cfg.Monitoring.Thresholds == (models.MonitoringThresholds{}) {
		cfg.Monitoring.Thresholds = d.Monitoring.Thresholds
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(envPrefix + "SSH_USER"); v != "" {
		cfg.SSH.User = v
	}
	if v := os.Getenv(envPrefix + "SSH_KEY_PATH"); v != "" {
		cfg.SSH.KeyPath = v
	}
	if v := os.Getenv(envPrefix + "SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Warn().Str("value", v).Err(err).Msg("invalid " + envPrefix + "SSH_PORT, ignoring")
		} else {
			cfg.SSH.Port = n
		}
	}
	if v := os.Getenv(envPrefix + "COLLECTION_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Warn().Str("value", v).Err(err).Msg("invalid " + envPrefix + "COLLECTION_INTERVAL_SECONDS, ignoring")
		} else {
			cfg.Monitoring.CollectionIntervalSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "METRICS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Warn().Str("value", v).Err(err).Msg("invalid " + envPrefix + "METRICS_RETENTION_DAYS, ignoring")
		} else {
			cfg.Monitoring.MetricsRetentionDays = n
		}
	}
	if v := os.Getenv(envPrefix + "SUPPRESSED_RESOURCE_IDS"); v != "" {
		cfg.SuppressedResourceIDs = splitAndTrim(v)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
