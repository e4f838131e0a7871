package log

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "off"} {
		l, err := NewZapLog(level)
		require.NoError(t, err, level)
		require.NotNil(t, l)
	}
	_, err := NewZapLog("verbose")
	require.Error(t, err)
}

func TestFromZapWritesEntries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Named(FromZap(zap.New(core)), "consumer")
	l.Debugf("stream %v open", 5)
	l.Warnf("dropped %v", "update")
	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "stream 5 open", entries[0].Message)
	require.Equal(t, "consumer", entries[0].LoggerName)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestNopLogFromNilZap(t *testing.T) {
	require.Equal(t, NopLog(), FromZap(nil))
	require.Equal(t, NopLog(), Named(NopLog(), "x"))
}
