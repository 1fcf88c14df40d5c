// Package config holds the engine configuration shared by the scheduling,
// dispatch and tracking components.
//
// The configuration is an explicit value passed to constructors. It can be
// loaded from a YAML file; any field left out keeps its default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Step maps compliance rates below Below to an interval factor.
type Step struct {
	Below  float64 `yaml:"below"`
	Factor float64 `yaml:"factor"`
}

// Engine is the tuning shared by the scheduling engine, dispatcher and tracker.
type Engine struct {
	// Alpha is the EWMA weight given to the newest outcome.
	Alpha float64 `yaml:"alpha"`
	// InitialCompliance seeds new profiles that carry no baseline.
	InitialCompliance float64 `yaml:"initial_compliance"`
	// MinInterval and MaxInterval clamp adaptive intervals.
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	// Steps are evaluated in ascending Below order; the first match wins.
	Steps []Step `yaml:"steps"`
	// TopFactor applies when the rate is at or above every step threshold.
	TopFactor float64 `yaml:"top_factor"`

	TransportTimeout time.Duration `yaml:"transport_timeout"`
	// ResponseWindow is how long a sent reminder waits before it is swept to no-show.
	// Zero disables the sweep.
	ResponseWindow time.Duration `yaml:"response_window"`
	// Workers bounds per-pass concurrency for scheduling and dispatch.
	Workers int `yaml:"workers"`

	// CostPerReminder and SavingsPerResponse feed the ROI estimate; both zero disables it.
	CostPerReminder    float64 `yaml:"cost_per_reminder"`
	SavingsPerResponse float64 `yaml:"savings_per_response"`
}

// Defaults returns the default engine configuration.
func Defaults() Engine {
	return Engine{
		Alpha:             0.2,
		InitialCompliance: 1.0,
		MinInterval:       12 * time.Hour,
		MaxInterval:       14 * 24 * time.Hour,
		Steps: []Step{
			{Below: 0.5, Factor: 0.6},
			{Below: 0.7, Factor: 0.8},
			{Below: 0.9, Factor: 1.0},
		},
		TopFactor:        1.2,
		TransportTimeout: 10 * time.Second,
		ResponseWindow:   72 * time.Hour,
		Workers:          8,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Engine, error) {
	cfg := Defaults()
	if path == "" {
		slog.Debug("config.Load: no config file, using defaults")
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Engine{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	slog.Debug("config.Load: loaded engine config", "path", path, "alpha", cfg.Alpha, "steps", len(cfg.Steps))
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor. Steps are sorted in place.
func (c *Engine) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return errors.New("alpha must be in (0,1]")
	}
	if c.InitialCompliance < 0 || c.InitialCompliance > 1 {
		return errors.New("initial_compliance must be in [0,1]")
	}
	if c.MinInterval <= 0 {
		return errors.New("min_interval must be positive")
	}
	if c.MaxInterval < c.MinInterval {
		return errors.New("max_interval must not be below min_interval")
	}
	if c.TransportTimeout <= 0 {
		return errors.New("transport_timeout must be positive")
	}
	if c.ResponseWindow < 0 {
		return errors.New("response_window must not be negative")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.TopFactor <= 0 {
		return errors.New("top_factor must be positive")
	}
	sort.Slice(c.Steps, func(i, j int) bool { return c.Steps[i].Below < c.Steps[j].Below })
	prev := 0.0
	for i, s := range c.Steps {
		if s.Below <= 0 || s.Below > 1 {
			return fmt.Errorf("step %d: below must be in (0,1]", i)
		}
		if i > 0 && s.Below == c.Steps[i-1].Below {
			return fmt.Errorf("step %d: duplicate threshold %.2f", i, s.Below)
		}
		if s.Factor <= 0 {
			return fmt.Errorf("step %d: factor must be positive", i)
		}
		// lower compliance must never earn a longer interval
		if i > 0 && s.Factor < prev {
			return fmt.Errorf("step %d: factor %.2f is below the previous step's %.2f", i, s.Factor, prev)
		}
		prev = s.Factor
	}
	if len(c.Steps) > 0 && c.TopFactor < prev {
		return fmt.Errorf("top_factor %.2f is below the last step's %.2f", c.TopFactor, prev)
	}
	if c.CostPerReminder < 0 || c.SavingsPerResponse < 0 {
		return errors.New("ROI figures must not be negative")
	}
	return nil
}

// ROIEnabled reports whether cost figures were configured.
func (c *Engine) ROIEnabled() bool {
	return c.CostPerReminder > 0 || c.SavingsPerResponse > 0
}
