package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWithOptions("lendingd", "test", Options{Output: &buf})
	logger.Info("loan opened", slog.String("operation", "borrow"), MaskField("api_token", "secret"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "loan opened", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "borrow", line["operation"])
	require.Equal(t, RedactedValue, line["api_token"])
	require.Contains(t, line, "timestamp")
}

func TestSetupHonoursLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWithOptions("lendingd", "", Options{Output: &buf, Level: ParseLevel("warn")})
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "lendingd.log")
	var buf bytes.Buffer
	logger := SetupWithOptions("lendingd", "", Options{Output: &buf, File: path})
	logger.Error("flush failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "flush failed")
}

func TestRedactionAllowlistExcludesSecrets(t *testing.T) {
	keys := RedactionAllowlist()
	require.IsNonDecreasing(t, keys)
	require.Contains(t, keys, "loan_id")
	for _, key := range []string{"api_token", "authorization", "secret", "dsn"} {
		require.NotContains(t, keys, key)
		require.Equal(t, RedactedValue, MaskField(key, "value").Value.String())
	}
	for _, key := range keys {
		require.True(t, IsAllowlisted(key))
		require.Equal(t, "value", MaskField(key, "value").Value.String())
	}
	require.Equal(t, "", MaskValue(""))
	require.Equal(t, RedactedValue, MaskValue("hunter2"))
}
