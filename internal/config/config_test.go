package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"sipproxyd"}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultSIPPort, cfg.SIPPort)
	assert.Equal(t, defaultControlPort, cfg.ControlPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"sipproxyd", "-log-level=verbose"}

	_, err := Load()
	assert.Error(t, err)
}

func TestJWTSecretBytesGeneratesEphemeralKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestJWTSecretBytesDecodesConfigured(t *testing.T) {
	cfg := &Config{JWTSecret: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"}
	key, err := cfg.JWTSecretBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestJWTSecretBytesRejectsWrongLength(t *testing.T) {
	cfg := &Config{JWTSecret: "aabb"}
	_, err := cfg.JWTSecretBytes()
	assert.Error(t, err)
}
