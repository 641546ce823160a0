package common

import (
	"bytes"
	"os"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	l := CreateLogger("lov")
	l.Infof("top-lock %d cached", 1)
	assert.Contains(t, buf.String(), "INFO  lov    top-lock 1 cached")

	buf.Reset()
	l.SetLevel(logger.WARNING)
	l.Infof("hidden")
	l.Debugf("hidden")
	assert.Empty(t, buf.String())
	l.Errorf("sub-lock %d lost", 7)
	assert.Contains(t, buf.String(), "ERROR lov    sub-lock 7 lost")

	assert.PanicsWithValue(t, "bad link 3", func() { l.Panicf("bad link %d", 3) })
	assert.Contains(t, buf.String(), "CRIT")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"":        logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		" error ": logger.ERROR,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}
