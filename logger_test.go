package pgsession

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevelFromString(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want LogLevel
	}{
		{"trace", LogLevelTrace},
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"error", LogLevelError},
		{"none", LogLevelNone},
	} {
		lvl, err := LogLevelFromString(tt.s)
		require.NoError(t, err)
		assert.Equal(t, tt.want, lvl)
		assert.Equal(t, tt.s, lvl.String())
	}

	_, err := LogLevelFromString("blah")
	require.Error(t, err)
}

func TestLogQueryArgs(t *testing.T) {
	long := strings.Repeat("a", 100)

	out := logQueryArgs([]interface{}{
		int64(7),
		"short",
		long,
		[]byte{0xde, 0xad},
		make([]byte, 100),
	})

	require.Len(t, out, 5)
	assert.Equal(t, int64(7), out[0])
	assert.Equal(t, "short", out[1])
	assert.Equal(t, strings.Repeat("a", 64)+" (truncated 36 bytes)", out[2])
	assert.Equal(t, "dead", out[3])
	assert.Equal(t, strings.Repeat("00", 64)+" (truncated 36 bytes)", out[4])
}
