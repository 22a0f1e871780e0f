package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/flowsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpandsAndDefaults(t *testing.T) {
	t.Setenv("FLOWSYNC_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(`
nifi:
  url: https://nifi.internal:8443/nifi-api
  username: ${FLOWSYNC_TEST_USER:admin}
  password: ${FLOWSYNC_TEST_PASSWORD}
reconcile:
  deletion: overlay
  max_conflict_retries: 0
  call_timeout: 5s
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "admin", cfg.NiFi.Username)
	assert.Equal(t, "s3cret", cfg.NiFi.Password)
	assert.Equal(t, 30*time.Second, cfg.NiFi.Timeout.Duration())
	assert.Equal(t, types.RootGroupID, cfg.Reconcile.Root)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, types.Policy{
		Deletion:           types.DeletionOverlay,
		MaxConflictRetries: 0,
		OnEntryFailure:     types.FailureHalt,
		TopLevelRetries:    1,
		CallTimeout:        5 * time.Second,
	}, p)

	cc := cfg.ClientConfig()
	assert.Equal(t, "https://nifi.internal:8443/nifi-api", cc.BaseURL)
	assert.Nil(t, cc.OAuth)
}

func TestPolicyRequiresDeletionMode(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	_, err := cfg.Policy()
	assert.ErrorContains(t, err, "deletion mode is required")

	cfg.Reconcile.Deletion = "authoritative"
	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPolicy(types.DeletionAuthoritative), p)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative url", func(c *Config) { c.NiFi.URL = "nifi-api" }, "absolute http(s) url"},
		{"two credentials", func(c *Config) { c.NiFi.Token, c.NiFi.Username = "t", "u" }, "mutually exclusive"},
		{"oauth incomplete", func(c *Config) { c.NiFi.OAuth = &OAuthConfig{ClientID: "id"} }, "token_url"},
		{"negative rate", func(c *Config) { c.NiFi.RateLimit = -1 }, "rate_limit"},
		{"failure policy", func(c *Config) { c.Reconcile.OnFailure = "retry" }, "on_failure"},
		{"deletion", func(c *Config) { c.Reconcile.Deletion = "partial" }, "reconcile.deletion"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(dir, "flowsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile:\n  interval: soon\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "line 2")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FLOWSYNC_TEST_SET", "value")

	tests := []struct {
		in, want string
	}{
		{"${FLOWSYNC_TEST_SET}", "value"},
		{"${FLOWSYNC_TEST_SET:other}", "value"},
		{"${FLOWSYNC_TEST_UNSET:fallback}", "fallback"},
		{"${FLOWSYNC_TEST_UNSET}", ""},
		{"plain $HOME", "plain $HOME"},
		{"a-${FLOWSYNC_TEST_SET}-b", "a-value-b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnv(tt.in), tt.in)
	}
}
