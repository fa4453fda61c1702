package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"trace": LevelTrace,
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	Debugf("hidden %d", 1)
	Infof("hidden %d", 2)
	Warnf("visible %d", 3)
	Errorf("visible %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 3")
	assert.Contains(t, out, "visible 4")
}

func TestEnabled(t *testing.T) {
	SetLevel(LevelInfo)
	assert.True(t, Enabled(LevelError))
	assert.True(t, Enabled(LevelInfo))
	assert.False(t, Enabled(LevelDebug))
}
