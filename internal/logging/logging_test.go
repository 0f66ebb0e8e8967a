package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewWithLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewWithLevel(false, "warn")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewWithLevel(true, "chatty")
	require.ErrorContains(t, err, "parse log level")
}

func TestSourceFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("with gen", SourceFields(harvest.SourceRef{URL: "http://a", Hash: 7, GenTime: 42})...)
	logger.Info("without gen", SourceFields(harvest.SourceRef{URL: "http://a", Hash: 7})...)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, map[string]any{"source_url": "http://a", "source_hash": int64(7), "gen_time": int64(42)},
		entries[0].ContextMap())
	require.Equal(t, map[string]any{"source_url": "http://a", "source_hash": int64(7)}, entries[1].ContextMap())
}
