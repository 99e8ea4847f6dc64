package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesStandardKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("score accepted",
		slog.String("signature", "0xdeadbeef"),
		slog.String("player", "0x01"),
		slog.Group("request", slog.String("X-Caller-Signature", "0xfeed")),
		slog.Any("requestNonce", Secret("n-1")),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "score accepted", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, Redacted, line["signature"])
	require.Equal(t, "0x01", line["player"])
	require.Equal(t, map[string]any{"X-Caller-Signature": Redacted}, line["request"])
	require.Equal(t, Secret("n-1").LogValue().String(), line["requestNonce"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaderboardd.log")
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	logger, closer := SetupWithOptions(Options{Service: "leaderboardd", Env: "test", File: path, MaxSizeMB: 1})
	logger.Warn("payout failed", slog.String("reason", "vault frozen"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	require.Equal(t, "leaderboardd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "WARN", line["severity"])
}

func TestSecretLogsFingerprint(t *testing.T) {
	first := Secret("nonce-42").LogValue().String()
	require.True(t, strings.HasPrefix(first, fingerprintPrefix))
	require.Len(t, first, len(fingerprintPrefix)+8)
	require.Equal(t, first, Secret("nonce-42").LogValue().String())
	require.NotEqual(t, first, Secret("nonce-43").LogValue().String())
	require.Equal(t, "", Secret(" ").LogValue().String())
}

func TestSensitiveIgnoresCaseAndSeparators(t *testing.T) {
	require.True(t, Sensitive("X-Caller-Signature"))
	require.True(t, Sensitive("private_key"))
	require.True(t, Sensitive("Authorization"))
	require.False(t, Sensitive("player"))
	// Score nonces are public and stay readable.
	require.False(t, Sensitive("nonce"))
}

func TestSetupInstallsDefaultLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(previous)
		log.SetOutput(os.Stderr)
	})

	logger := Setup("leaderboardctl", "")
	require.NotNil(t, logger)
	require.Same(t, logger, slog.Default())
}
