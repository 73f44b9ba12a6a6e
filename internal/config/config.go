// Package config loads go-skipper configuration from a TOML file with
// environment overrides, and watches the file for live parameter updates.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Policy selects how a submission is handled while a mission is active.
type Policy string

const (
	// PolicySupersede aborts the active mission and accepts the new one.
	PolicySupersede Policy = "supersede"
	// PolicyRejectWhileActive rejects submissions while a mission is active.
	PolicyRejectWhileActive Policy = "reject_while_active"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Params are the live-reloadable supervisor parameters. They are always
// applied as a whole snapshot; the supervisor never sees a partial update.
type Params struct {
	GoalToleranceLinear    float64  `toml:"goal_tolerance_linear"`
	GoalToleranceAngular   float64  `toml:"goal_tolerance_angular"`
	DefaultGoalTimeout     Duration `toml:"default_goal_timeout"`
	MaxRetriesPerGoal      int      `toml:"max_retries_per_goal"`
	RetryBackoff           Duration `toml:"retry_backoff"`
	AbortOnGoalFailure     bool     `toml:"abort_on_goal_failure"`
	PoseStalenessThreshold Duration `toml:"pose_staleness_threshold"`
	SupersedePolicy        Policy   `toml:"supersede_policy"`
	CancelGrace            Duration `toml:"cancel_grace"`
}

// Snapshot is a versioned copy of Params as delivered to the supervisor.
// The version increments on every reload so decisions can be traced to
// the configuration they ran under.
type Snapshot struct {
	Version int
	Params
}

// Config is the daemon configuration.
type Config struct {
	Listen      string `toml:"listen"`
	FollowerURL string `toml:"follower_url"`
	PoseURL     string `toml:"pose_url"`
	LogLevel    string `toml:"log_level"`
	Params      Params `toml:"params"`
}

// DefaultParams returns the supervisor parameter defaults.
func DefaultParams() Params {
	return Params{
		GoalToleranceLinear:    2.0, // meters
		GoalToleranceAngular:   0.2, // radians
		DefaultGoalTimeout:     Duration(2 * time.Minute),
		MaxRetriesPerGoal:      2,
		RetryBackoff:           0,
		AbortOnGoalFailure:     true,
		PoseStalenessThreshold: Duration(10 * time.Second),
		SupersedePolicy:        PolicySupersede,
		CancelGrace:            Duration(5 * time.Second),
	}
}

// Default returns the daemon configuration defaults.
func Default() Config {
	return Config{
		Listen:      ":9300",
		FollowerURL: "http://127.0.0.1:9400",
		PoseURL:     "http://127.0.0.1:9400",
		LogLevel:    "info",
		Params:      DefaultParams(),
	}
}

// Load reads the config file at path, fills in defaults, applies
// SKIPPER_* environment overrides and validates the result.
// An empty path returns defaults (plus env overrides).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies environment-variable overrides, the way the daemon is
// pointed at a robot in the field without editing the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SKIPPER_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SKIPPER_FOLLOWER_URL"); v != "" {
		cfg.FollowerURL = v
	}
	if v := os.Getenv("SKIPPER_POSE_URL"); v != "" {
		cfg.PoseURL = v
	}
	if v := os.Getenv("SKIPPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the configuration for errors.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if cfg.FollowerURL == "" {
		return fmt.Errorf("config: follower_url required")
	}
	return ValidateParams(cfg.Params)
}

// ValidateParams checks the live parameter set.
func ValidateParams(p Params) error {
	if p.GoalToleranceLinear <= 0 {
		return fmt.Errorf("config: goal_tolerance_linear must be positive")
	}
	if p.GoalToleranceAngular <= 0 {
		return fmt.Errorf("config: goal_tolerance_angular must be positive")
	}
	if p.DefaultGoalTimeout <= 0 {
		return fmt.Errorf("config: default_goal_timeout must be positive")
	}
	if p.MaxRetriesPerGoal < 0 {
		return fmt.Errorf("config: max_retries_per_goal must not be negative")
	}
	if p.PoseStalenessThreshold <= 0 {
		return fmt.Errorf("config: pose_staleness_threshold must be positive")
	}
	if p.CancelGrace <= 0 {
		return fmt.Errorf("config: cancel_grace must be positive")
	}
	switch p.SupersedePolicy {
	case PolicySupersede, PolicyRejectWhileActive:
	default:
		return fmt.Errorf("config: unknown supersede_policy %q", p.SupersedePolicy)
	}
	return nil
}
