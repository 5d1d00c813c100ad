package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("chatty")
	require.Error(t, err)
}

func TestNamedLoggerRecordsFields(t *testing.T) {
	t.Parallel()

	lggr, logs := TestObserved(t, zapcore.InfoLevel)
	named := lggr.Named("pipeline").With("network", "testnet04")
	named.Debugw("dropped below level")
	named.Infow("broadcast", "requestKey", "abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "broadcast", entries[0].Message)
	assert.Equal(t, "pipeline", entries[0].LoggerName)

	fields := entries[0].ContextMap()
	assert.Equal(t, "testnet04", fields["network"])
	assert.Equal(t, "abc", fields["requestKey"])
}

func TestNopIsSilent(t *testing.T) {
	t.Parallel()

	lggr := Nop()
	lggr.Errorw("ignored")
	assert.NoError(t, lggr.Sync())
}
