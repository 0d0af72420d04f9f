package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("test message")
}

func TestNewLoggerConsole(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger("shouting", "json")
	assert.Error(t, err)
}

func TestWithHelpers(t *testing.T) {
	logger, err := NewLogger("info", "json")
	require.NoError(t, err)

	assert.NotNil(t, logger.WithCollection("todos"))
	assert.NotNil(t, logger.WithClientID("c1"))
	assert.NotNil(t, logger.WithError(errors.New("boom")))
}
