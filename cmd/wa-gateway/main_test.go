// ABOUTME: Tests for the wa-gateway CLI helpers
// ABOUTME: Covers config path resolution, token minting, credential sealing and the color log handler

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/vault"
)

const (
	testJWTSecret = "cli-test-secret-0123456789abcdef"
	testVaultKey  = "cli-test-vault-passphrase-0123456789"
)

// writeConfig writes a minimal config and points WA_GATEWAY_CONFIG at it.
func writeConfig(t *testing.T, jwtSecret string) {
	t.Helper()
	dir := t.TempDir()
	content := `server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"
database:
  path: "` + filepath.Join(dir, "gateway.db") + `"
vault:
  key: "` + testVaultKey + `"
auth:
  jwt_secret: "` + jwtSecret + `"
`
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("WA_GATEWAY_CONFIG", path)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("WA_GATEWAY_CONFIG", "/etc/wa/custom.toml")
		assert.Equal(t, "/etc/wa/custom.toml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("WA_GATEWAY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, "/tmp/xdg/wa-gateway/gateway.yaml", getConfigPath())
	})
}

func TestRunToken(t *testing.T) {
	writeConfig(t, testJWTSecret)
	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))

	t.Run("tenant scoped", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runToken([]string{"--subject", "ops-bot", "--tenant", "acme", "--ttl", "1h"}, &out))

		claims, err := verifier.Verify(strings.TrimSpace(out.String()))
		require.NoError(t, err)
		assert.Equal(t, "ops-bot", claims.Subject)
		assert.Equal(t, "acme", claims.Tenant)
	})

	t.Run("operator with generated subject", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runToken(nil, &out))

		claims, err := verifier.Verify(strings.TrimSpace(out.String()))
		require.NoError(t, err)
		assert.NotEmpty(t, claims.Subject)
		assert.Empty(t, claims.Tenant)
	})

	t.Run("rejects bad ttl", func(t *testing.T) {
		assert.Error(t, runToken([]string{"--ttl", "-1h"}, &bytes.Buffer{}))
	})

	t.Run("rejects stray arguments", func(t *testing.T) {
		assert.Error(t, runToken([]string{"acme"}, &bytes.Buffer{}))
	})
}

func TestRunToken_NoSecret(t *testing.T) {
	writeConfig(t, "")
	err := runToken(nil, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestRunEncrypt(t *testing.T) {
	writeConfig(t, testJWTSecret)

	var out bytes.Buffer
	require.NoError(t, runEncrypt(strings.NewReader("EAAG-token\n"), &out))

	v, err := vault.New(testVaultKey)
	require.NoError(t, err)
	plain, err := v.Decrypt(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "EAAG-token", plain)

	assert.Error(t, runEncrypt(strings.NewReader("\n"), &bytes.Buffer{}), "empty input")
}

func TestRunHealth_BadLine(t *testing.T) {
	for _, line := range []string{"acme", "acme/", "/0", "acme/x", "acme/-1"} {
		assert.Error(t, runHealth(t.Context(), []string{"--line", line}), line)
	}
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.IsType(t, &slog.JSONHandler{}, logger.Handler())
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug"})
	assert.IsType(t, &colorHandler{}, logger.Handler())
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: new(sync.Mutex), level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "ingest").WithGroup("webhook").Warn("delivery failed", "kind", "cloud")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "WRN delivery failed")
	assert.Contains(t, line, "component=ingest")
	assert.Contains(t, line, "webhook.kind=cloud")
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Len(t, strings.Split(strings.TrimSpace(line), "\n"), 1)
}
