package cancel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable knobs of the engine: the retry policy and the
// per-activity and signal-wait deadlines.
type Config struct {
	Retry RetryPolicy

	// BeginTimeout bounds a single begin_cancellation attempt.
	BeginTimeout time.Duration
	// NotifyTimeout bounds a single notification attempt.
	NotifyTimeout time.Duration
	// VerifyTimeout bounds a single submit_2fa_code attempt.
	VerifyTimeout time.Duration
	// ProofTimeout bounds a single capture_proof attempt.
	ProofTimeout time.Duration
	// SignalWait bounds how long an instance waits for a human-provided
	// code, measured from the moment it enters AWAITING_2FA.
	SignalWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:         DefaultRetryPolicy(),
		BeginTimeout:  DefaultBeginTimeout,
		NotifyTimeout: DefaultNotifyTimeout,
		VerifyTimeout: DefaultVerifyTimeout,
		ProofTimeout:  DefaultProofTimeout,
		SignalWait:    DefaultSignalWait,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	c.Retry.normalize()
	if c.BeginTimeout <= 0 {
		c.BeginTimeout = def.BeginTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = def.NotifyTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = def.VerifyTimeout
	}
	if c.ProofTimeout <= 0 {
		c.ProofTimeout = def.ProofTimeout
	}
	if c.SignalWait <= 0 {
		c.SignalWait = def.SignalWait
	}
}

// fileConfig mirrors the YAML layout. Durations are Go duration strings
// ("30s", "5m") so the file reads the way operators expect.
type fileConfig struct {
	Retry struct {
		InitialInterval string  `yaml:"initialInterval"`
		BackoffFactor   float64 `yaml:"backoffFactor"`
		MaxInterval     string  `yaml:"maxInterval"`
		MaxAttempts     int     `yaml:"maxAttempts"`
	} `yaml:"retry"`
	Timeouts struct {
		Begin  string `yaml:"begin"`
		Notify string `yaml:"notify"`
		Verify string `yaml:"verify"`
		Proof  string `yaml:"proof"`
	} `yaml:"timeouts"`
	SignalWait string `yaml:"signalWait"`
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
// A missing file is not an error: the defaults are returned unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := setDuration(&cfg.Retry.InitialInterval, fc.Retry.InitialInterval, "retry.initialInterval"); err != nil {
		return cfg, err
	}
	if fc.Retry.BackoffFactor > 0 {
		cfg.Retry.BackoffFactor = fc.Retry.BackoffFactor
	}
	if err := setDuration(&cfg.Retry.MaxInterval, fc.Retry.MaxInterval, "retry.maxInterval"); err != nil {
		return cfg, err
	}
	if fc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	if err := setDuration(&cfg.BeginTimeout, fc.Timeouts.Begin, "timeouts.begin"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.NotifyTimeout, fc.Timeouts.Notify, "timeouts.notify"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.VerifyTimeout, fc.Timeouts.Verify, "timeouts.verify"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.ProofTimeout, fc.Timeouts.Proof, "timeouts.proof"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.SignalWait, fc.SignalWait, "signalWait"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config field %s: %w", field, err)
	}
	*dst = d
	return nil
}
