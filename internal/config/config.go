// Package config loads the orchestration core's runtime configuration
// (spec §6) from flags, environment variables, and an optional config
// file, using viper the way the teacher's cmd/cobra_cli.go does.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds every spec §6 setting.
type Config struct {
	DataDir               string         `mapstructure:"data_dir"`
	LaneCaps              map[string]int `mapstructure:"lane_caps"`
	RunTTLSeconds         int            `mapstructure:"run_ttl_seconds"`
	ProcessTTLSeconds     int            `mapstructure:"process_ttl_seconds"`
	LogMaxLines           int            `mapstructure:"log_max_lines"`
	AwaitDefaultTimeoutMs int            `mapstructure:"await_default_timeout_ms"`
	AwaitSafetyRepollMs   int            `mapstructure:"await_safety_repoll_ms"`
	PrimarySession        string         `mapstructure:"primary_session"`
}

// RunTTL returns RunTTLSeconds as a time.Duration.
func (c Config) RunTTL() time.Duration { return time.Duration(c.RunTTLSeconds) * time.Second }

// ProcessTTL returns ProcessTTLSeconds as a time.Duration.
func (c Config) ProcessTTL() time.Duration {
	return time.Duration(c.ProcessTTLSeconds) * time.Second
}

// AwaitDefaultTimeout returns AwaitDefaultTimeoutMs as a time.Duration.
func (c Config) AwaitDefaultTimeout() time.Duration {
	return time.Duration(c.AwaitDefaultTimeoutMs) * time.Millisecond
}

// AwaitSafetyRepoll returns AwaitSafetyRepollMs as a time.Duration.
func (c Config) AwaitSafetyRepoll() time.Duration {
	return time.Duration(c.AwaitSafetyRepollMs) * time.Millisecond
}

func defaults() Config {
	return Config{
		DataDir:               "./agentrun-data",
		LaneCaps:              map[string]int{"main": 4, "subagent": 8, "background_exec": 2},
		RunTTLSeconds:         86400,
		ProcessTTLSeconds:     86400,
		LogMaxLines:           1000,
		AwaitDefaultTimeoutMs: 30000,
		AwaitSafetyRepollMs:   5000,
		PrimarySession:        "default",
	}
}

// BindFlags registers the orchestration core's persistent flags on cmd
// and binds them into v, the way the teacher wires cobra flags straight
// into viper.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := defaults()
	cmd.PersistentFlags().String("data-dir", d.DataDir, "directory for durable KV storage")
	cmd.PersistentFlags().Int("run-ttl-seconds", d.RunTTLSeconds, "TTL before a terminal run is compacted")
	cmd.PersistentFlags().Int("process-ttl-seconds", d.ProcessTTLSeconds, "TTL before a terminal process is compacted")
	cmd.PersistentFlags().Int("log-max-lines", d.LogMaxLines, "rolling log buffer bound per process")
	cmd.PersistentFlags().Int("await-default-timeout-ms", d.AwaitDefaultTimeoutMs, "await() timeout when none or an invalid one is supplied")
	cmd.PersistentFlags().Int("await-safety-repoll-ms", d.AwaitSafetyRepollMs, "await() bounded re-poll ceiling")
	cmd.PersistentFlags().String("primary-session", d.PrimarySession, "session id started automatically on boot")

	_ = v.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("run_ttl_seconds", cmd.PersistentFlags().Lookup("run-ttl-seconds"))
	_ = v.BindPFlag("process_ttl_seconds", cmd.PersistentFlags().Lookup("process-ttl-seconds"))
	_ = v.BindPFlag("log_max_lines", cmd.PersistentFlags().Lookup("log-max-lines"))
	_ = v.BindPFlag("await_default_timeout_ms", cmd.PersistentFlags().Lookup("await-default-timeout-ms"))
	_ = v.BindPFlag("await_safety_repoll_ms", cmd.PersistentFlags().Lookup("await-safety-repoll-ms"))
	_ = v.BindPFlag("primary_session", cmd.PersistentFlags().Lookup("primary-session"))
}

// Load reads config from an optional "agentrun-config" file (JSON, TOML,
// or YAML, searched in $HOME and the working directory), environment
// variables prefixed AGENTRUN_, and whatever flags BindFlags registered,
// in that order of increasing precedence.
func Load(v *viper.Viper) (Config, error) {
	cfg := defaults()
	v.SetConfigName("agentrun-config")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("AGENTRUN")
	v.AutomaticEnv()

	for key, val := range map[string]any{
		"data_dir":                 cfg.DataDir,
		"lane_caps":                cfg.LaneCaps,
		"run_ttl_seconds":          cfg.RunTTLSeconds,
		"process_ttl_seconds":      cfg.ProcessTTLSeconds,
		"log_max_lines":            cfg.LogMaxLines,
		"await_default_timeout_ms": cfg.AwaitDefaultTimeoutMs,
		"await_safety_repoll_ms":   cfg.AwaitSafetyRepollMs,
		"primary_session":          cfg.PrimarySession,
	} {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(cfg.LaneCaps) == 0 {
		cfg.LaneCaps = defaults().LaneCaps
	}
	return cfg, nil
}
