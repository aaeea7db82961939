package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "zatca", cfg.Authority.Kind)
	assert.Equal(t, 3, cfg.Authority.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, "SAR", cfg.Invoicing.DefaultCurrency)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTHORITY_KIND", "none")
	t.Setenv("AUTHORITY_TIMEOUT", "5s")
	t.Setenv("AUTHORITY_RPS", "2.5")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Authority.Kind)
	assert.Equal(t, 5*time.Second, cfg.Authority.Timeout)
	assert.InDelta(t, 2.5, cfg.Authority.RequestsPerSecond, 0.0001)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadRejectsUnknownAuthority(t *testing.T) {
	t.Setenv("AUTHORITY_KIND", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsDevSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortLockTTL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_LOCK_TTL", "500ms")

	_, err := Load()
	require.Error(t, err)
}

func TestTemplateForEnvironment(t *testing.T) {
	cfg := &Config{Authority: AuthorityConfig{Environment: "simulation"}}
	assert.Equal(t, "PREZATCA-Code-Signing", cfg.TemplateForEnvironment())

	cfg.Authority.Environment = "production"
	assert.Equal(t, "ZATCA-Code-Signing", cfg.TemplateForEnvironment())

	t.Setenv("INVOICING_CERT_TEMPLATE", "Custom")
	cfg.Invoicing.CertificateTemplate = "Custom"
	assert.Equal(t, "Custom", cfg.TemplateForEnvironment())
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("SOME_LIST", " a, b ,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvSlice("SOME_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvSlice("MISSING_LIST", []string{"x"}))
}
