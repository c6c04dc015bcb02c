package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadProfile layers a named YAML profile over the base configuration.
// Profiles live in profilesDir as profile_<name>.yaml and carry deployment
// overrides (staging brokers, production retention) that do not belong in
// env vars. Env still wins: call this before applying env overrides.
func LoadProfile(base *Config, profilesDir, name string) (*Config, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", name, err)
	}
	merged := *base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", name, err)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("config: profile %s: %w", name, err)
	}
	return &merged, nil
}

// The yaml package cannot decode "30s" into a time.Duration, so structs with
// duration fields decode through a string-typed shadow prefilled with the
// current values. Absent keys keep the base value either way.

func (o *OutboxConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		BatchSize     int    `yaml:"batch_size"`
		LeaseDuration string `yaml:"lease_duration"`
		MaxAttempts   int    `yaml:"max_attempts"`
		BackoffBase   string `yaml:"backoff_base"`
		BackoffCap    string `yaml:"backoff_cap"`
		GCRetention   string `yaml:"gc_retention"`
	}{
		BatchSize:     o.BatchSize,
		LeaseDuration: o.LeaseDuration.String(),
		MaxAttempts:   o.MaxAttempts,
		BackoffBase:   o.BackoffBase.String(),
		BackoffCap:    o.BackoffCap.String(),
		GCRetention:   o.GCRetention.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	o.BatchSize = raw.BatchSize
	o.MaxAttempts = raw.MaxAttempts
	var err error
	if o.LeaseDuration, err = parseDur("outbox.lease_duration", raw.LeaseDuration); err != nil {
		return err
	}
	if o.BackoffBase, err = parseDur("outbox.backoff_base", raw.BackoffBase); err != nil {
		return err
	}
	if o.BackoffCap, err = parseDur("outbox.backoff_cap", raw.BackoffCap); err != nil {
		return err
	}
	o.GCRetention, err = parseDur("outbox.gc_retention", raw.GCRetention)
	return err
}

func (i *IdempotencyConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		TTL string `yaml:"ttl"`
	}{TTL: i.TTL.String()}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	i.TTL, err = parseDur("idempotency.ttl", raw.TTL)
	return err
}

func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		DefaultTTL string `yaml:"default_ttl"`
	}{DefaultTTL: c.DefaultTTL.String()}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	c.DefaultTTL, err = parseDur("cache.default_ttl", raw.DefaultTTL)
	return err
}

func (d *DeadlineConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Default string `yaml:"default"`
	}{Default: d.Default.String()}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	d.Default, err = parseDur("deadline.default", raw.Default)
	return err
}

func parseDur(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}
