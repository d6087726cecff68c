package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigOverlaysDefaults(t *testing.T) {
	b := []byte(`{"host": "testhost", "port": 234, "page_size": 50}`)
	cfg, err := ReadConfig(b)
	require.NoError(t, err)

	assert.Equal(t, "testhost", cfg.Host)
	assert.Equal(t, 234, cfg.Port)
	assert.Equal(t, 50, cfg.PageSize)
	// Unspecified fields keep their documented defaults.
	assert.Equal(t, 8, cfg.DeliveryMaxAttempts)
	assert.Equal(t, "onepagepub.db", cfg.DBPath)
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg := Defaults()
	cfg.Host = "fromfile"

	t.Setenv("HOST", "fromenv")
	t.Setenv("PORT", "9999")

	cfg = cfg.ApplyEnv()
	assert.Equal(t, "fromenv", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
}

func TestBaseURLReflectsTLS(t *testing.T) {
	cfg := Defaults()
	cfg.Host = "example.test"
	assert.Equal(t, "http://example.test", cfg.BaseURL())

	cfg.Certificate = "cert.pem"
	cfg.PrivateKey = "key.pem"
	assert.True(t, cfg.UseTLS())
	assert.Equal(t, "https://example.test", cfg.BaseURL())
}

func TestPublicHostStripsSchemeAndPort(t *testing.T) {
	cfg := Defaults()
	cfg.Host = "example.test:8080"
	assert.Equal(t, "example.test", cfg.PublicHost())
}
