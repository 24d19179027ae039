package logging

import (
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/minorsecond/axterm/internal/config"
)

func TestNewDefaultsToStderrTextInfo(t *testing.T) {
	logger, err := New(config.Logging{Level: "info", Format: "text"})
	require.NoError(t, err)
	require.Equal(t, log.InfoLevel, logger.GetLevel())
}

func TestNewWritesToRequestedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "axtermd.log")
	logger, err := New(config.Logging{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("hello")
	require.FileExists(t, path)
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := New(config.Logging{Level: "not-a-level", Format: "text"})
	require.Error(t, err)

	_, err = New(config.Logging{Level: "info", Format: "not-a-format"})
	require.Error(t, err)
}
