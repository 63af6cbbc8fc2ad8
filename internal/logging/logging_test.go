package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, log.InfoLevel, logger.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, logger.Formatter)
}

func TestNew_TextFormat(t *testing.T) {
	logger, err := New(Options{Format: "text", Level: "debug"})
	require.NoError(t, err)

	assert.Equal(t, log.DebugLevel, logger.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

func TestNew_InvalidLevelFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paygate.log")
	logger, err := New(Options{Level: "loud", File: path})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	assert.Equal(t, log.InfoLevel, logger.GetLevel())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "invalid log level")
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "paygate.log")
	logger, err := New(Options{File: path})
	require.NoError(t, err)

	logger.Component("provider").WithField("nonce", "abc").Info("challenge issued")
	require.NoError(t, logger.Close())
	// second close is a no-op
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "provider", entry["component"])
	assert.Equal(t, "abc", entry["nonce"])
	assert.Equal(t, "challenge issued", entry["msg"])
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Info("dropped")
	assert.NoError(t, logger.Close())
}
