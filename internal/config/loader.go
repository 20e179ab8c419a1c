package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates the YAML config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses and validates YAML config from r.
// Unknown fields are rejected so typos surface at startup rather than being
// silently ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":5050"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Backend.TurnDetection == "" {
		c.Backend.TurnDetection = TurnServerVAD
	}
}

// Validate checks the configuration for errors. All problems found are
// joined into a single returned error.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if c.Server.TLS != nil {
		if c.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file: required when tls is set"))
		}
		if c.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file: required when tls is set"))
		}
	}

	if c.Backend.APIKey == "" {
		errs = append(errs, errors.New("backend.api_key: required"))
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		errs = append(errs, fmt.Errorf("backend.temperature: %v out of range [0, 2]", c.Backend.Temperature))
	}
	if c.Backend.TurnDetection != "" && !c.Backend.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("backend.turn_detection: unknown mode %q", c.Backend.TurnDetection))
	}
	if c.Backend.TurnThreshold < 0 || c.Backend.TurnThreshold > 1 {
		errs = append(errs, fmt.Errorf("backend.turn_threshold: %v out of range [0, 1]", c.Backend.TurnThreshold))
	}
	if c.Backend.TurnSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("backend.turn_silence_ms: %d must not be negative", c.Backend.TurnSilenceMs))
	}
	if c.Backend.NegotiateTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.negotiate_timeout: %v must not be negative", c.Backend.NegotiateTimeout))
	}

	if c.Telephony.DrainGrace < 0 {
		errs = append(errs, fmt.Errorf("telephony.drain_grace: %v must not be negative", c.Telephony.DrainGrace))
	}

	return errors.Join(errs...)
}
