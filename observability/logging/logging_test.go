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

func TestSetupWritesStructuredLines(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "claimd.log")
	logger := Setup("claimd", "test", WithOutput(&buf), WithLevel("warn"), WithRotation(Rotation{Path: path}))
	logger.Info("dropped")
	logger.Warn("kept", slog.String("quest", "daily-5tx"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "kept", entry["message"])
	require.Equal(t, "WARN", entry["severity"])
	require.Equal(t, "claimd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "daily-5tx", entry["quest"])
	require.Contains(t, entry, "timestamp")

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, buf.String(), string(onDisk))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("api_key", "secret").Value.String())
	require.Equal(t, "0xabc", MaskField("Signer", "0xabc").Value.String())
	require.Equal(t, "", MaskField("service_token", "").Value.String())
}
