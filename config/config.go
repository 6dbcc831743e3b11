package config

import (
	"fmt"
	"os"

	"github.com/trustai/fairsight/types"
	"gopkg.in/yaml.v3"
)

// Threshold directions.
const (
	BelowIsBad = "below-is-bad"
	AboveIsBad = "above-is-bad"
)

// Config is the engine configuration, loaded once at process start.
// It is not hot-reloaded mid-window.
type Config struct {
	Version    string                    `yaml:"version"`
	Decisions  map[string]DecisionPolicy `yaml:"decisions"`
	Window     WindowConfig              `yaml:"window"`
	Thresholds map[string]Threshold      `yaml:"thresholds"`
	TopK       int                       `yaml:"top_k"`
	HashAlgo   string                    `yaml:"hash_algorithm"`
}

// DecisionPolicy configures one decision type.
type DecisionPolicy struct {
	MandatoryAttributes []string `yaml:"mandatory_attributes"`
}

// WindowConfig configures the sliding window behind every fairness counter.
// Eviction is count-based: each key retains the most recent Size decisions.
type WindowConfig struct {
	Size       int `yaml:"size"`
	MinSamples int `yaml:"min_samples"`
}

// Threshold configures alert evaluation for one metric.
type Threshold struct {
	Value      float64 `yaml:"value"`
	Direction  string  `yaml:"direction"`
	Hysteresis float64 `yaml:"hysteresis"`
	MinSamples int     `yaml:"min_samples"`
	DwellCount int     `yaml:"dwell_count"`
}

// Default returns a configuration with the standard four-fifths thresholds.
func Default() *Config {
	cfg := &Config{
		Version: "1",
		Decisions: map[string]DecisionPolicy{
			string(types.DecisionLoanApproval):   {MandatoryAttributes: []string{"age-bracket", "gender"}},
			string(types.DecisionCreditLimit):    {MandatoryAttributes: []string{"age-bracket"}},
			string(types.DecisionRiskAssessment): {MandatoryAttributes: []string{"age-bracket"}},
			string(types.DecisionFraudDetection): {MandatoryAttributes: []string{"age-bracket"}},
		},
		Window: WindowConfig{Size: 500, MinSamples: 30},
		Thresholds: map[string]Threshold{
			string(types.MetricDemographicParity): {Value: 0.8, Direction: BelowIsBad, Hysteresis: 0.05, MinSamples: 30, DwellCount: 1},
			string(types.MetricEqualOpportunity):  {Value: 0.8, Direction: BelowIsBad, Hysteresis: 0.05, MinSamples: 30, DwellCount: 1},
			string(types.MetricPredictiveParity):  {Value: 0.8, Direction: BelowIsBad, Hysteresis: 0.05, MinSamples: 30, DwellCount: 1},
			string(types.MetricDisparateImpact):   {Value: 0.8, Direction: BelowIsBad, Hysteresis: 0.05, MinSamples: 30, DwellCount: 1},
		},
		TopK:     3,
		HashAlgo: "sha-256",
	}
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.HashAlgo == "" {
		c.HashAlgo = "sha-256"
	}
	if c.Window.Size == 0 {
		c.Window.Size = 500
	}
	if c.Window.MinSamples == 0 {
		c.Window.MinSamples = 30
	}
	for name, th := range c.Thresholds {
		if th.DwellCount == 0 {
			th.DwellCount = 1
		}
		if th.MinSamples == 0 {
			th.MinSamples = c.Window.MinSamples
		}
		c.Thresholds[name] = th
	}
}

// Validate ensures config has required and coherent fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.HashAlgo != "sha-256" {
		return fmt.Errorf("unsupported hash algorithm %q", c.HashAlgo)
	}
	if c.Window.Size <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	for name := range c.Decisions {
		if !types.DecisionType(name).Valid() {
			return fmt.Errorf("unknown decision type %q", name)
		}
	}
	for name, th := range c.Thresholds {
		if !types.MetricName(name).Valid() {
			return fmt.Errorf("unknown metric %q in thresholds", name)
		}
		if th.Direction != BelowIsBad && th.Direction != AboveIsBad {
			return fmt.Errorf("threshold %s: direction must be %q or %q", name, BelowIsBad, AboveIsBad)
		}
		if th.Hysteresis < 0 {
			return fmt.Errorf("threshold %s: hysteresis cannot be negative", name)
		}
	}
	return nil
}

// MandatoryAttributes returns the protected attributes required for a
// decision type. Unknown types have no requirements.
func (c *Config) MandatoryAttributes(t types.DecisionType) []string {
	return c.Decisions[string(t)].MandatoryAttributes
}

// Protected returns the configured protected attributes per decision type.
func (c *Config) Protected() map[types.DecisionType][]string {
	out := make(map[types.DecisionType][]string, len(c.Decisions))
	for name, policy := range c.Decisions {
		out[types.DecisionType(name)] = policy.MandatoryAttributes
	}
	return out
}

// ThresholdFor returns the threshold config for a metric, if monitored.
func (c *Config) ThresholdFor(m types.MetricName) (Threshold, bool) {
	th, ok := c.Thresholds[string(m)]
	return th, ok
}
