package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "keel", cfg.ServiceName)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Outbox.LeaseDuration)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Outbox.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Outbox.BackoffCap)
	assert.Equal(t, 7*24*time.Hour, cfg.Outbox.GCRetention)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 5, cfg.Projector.MaxAttempts)
	assert.Equal(t, "keel.poison", cfg.Projector.PoisonTopic)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("KEEL_SERVICE_NAME", "billing")
	t.Setenv("KEEL_ENVIRONMENT", "production")
	t.Setenv("KEEL_KAFKA_BROKERS", "k1:9092,k2:9092,k3:9092")
	t.Setenv("KEEL_OUTBOX_BATCH_SIZE", "250")
	t.Setenv("KEEL_OUTBOX_LEASE_DURATION", "45s")
	t.Setenv("KEEL_PUBLISHER_WORKERS", "8")
	t.Setenv("KEEL_IDEMPOTENCY_TTL", "72h")
	t.Setenv("KEEL_TELEMETRY_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, []string{"k1:9092", "k2:9092", "k3:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250, cfg.Outbox.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Outbox.LeaseDuration)
	assert.Equal(t, 8, cfg.Publisher.Workers)
	assert.Equal(t, 72*time.Hour, cfg.Idempotency.TTL)
	assert.True(t, cfg.Telemetry.Enabled)

	// Untouched values keep their defaults.
	assert.Equal(t, "keel", cfg.Publisher.TopicPrefix)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("KEEL_OUTBOX_BATCH_SIZE", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEEL_OUTBOX_BATCH_SIZE")
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("KEEL_OUTBOX_LEASE_DURATION", "30 seconds")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEEL_OUTBOX_LEASE_DURATION")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Outbox.BatchSize = 0 }},
		{"zero max attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }},
		{"zero lease", func(c *Config) { c.Outbox.LeaseDuration = 0 }},
		{"cap below base", func(c *Config) { c.Outbox.BackoffCap = c.Outbox.BackoffBase - 1 }},
		{"zero workers", func(c *Config) { c.Publisher.Workers = 0 }},
		{"zero projector attempts", func(c *Config) { c.Projector.MaxAttempts = 0 }},
		{"zero idempotency ttl", func(c *Config) { c.Idempotency.TTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	profile := []byte(`
environment: staging
kafka_brokers: [stage-k1:9092]
outbox:
  batch_size: 50
  gc_retention: 72h
publisher:
  workers: 2
  topic_prefix: keel-stage
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_staging.yaml"), profile, 0o644))

	cfg, err := LoadProfile(Default(), dir, "Staging")
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, []string{"stage-k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 72*time.Hour, cfg.Outbox.GCRetention)
	assert.Equal(t, "keel-stage", cfg.Publisher.TopicPrefix)

	// Keys the profile does not set stay at the base value, durations included.
	assert.Equal(t, "keel", cfg.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.Outbox.LeaseDuration)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
}

func TestLoadProfileRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bad.yaml"),
		[]byte("outbox:\n  lease_duration: thirty\n"), 0o644))

	_, err := LoadProfile(Default(), dir, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_duration")
}

func TestLoadLayersProfileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_staging.yaml"),
		[]byte("environment: staging\npublisher:\n  workers: 2\n"), 0o644))
	t.Setenv("KEEL_PROFILE", "staging")
	t.Setenv("KEEL_PROFILES_DIR", dir)
	t.Setenv("KEEL_PUBLISHER_WORKERS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment, "profile overrides defaults")
	assert.Equal(t, 6, cfg.Publisher.Workers, "env overrides the profile")
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(Default(), t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadProfileRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bad.yaml"),
		[]byte("publisher:\n  workers: 0\n"), 0o644))

	_, err := LoadProfile(Default(), dir, "bad")
	assert.Error(t, err)
}

func TestSplitComma(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitComma("a,b"))
	assert.Equal(t, []string{"a"}, splitComma("a,"))
	assert.Nil(t, splitComma(""))
}
