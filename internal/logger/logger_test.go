package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		err  bool
	}{
		{in: "info", want: zapcore.InfoLevel},
		{in: "DEBUG", want: zapcore.DebugLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "1", want: zapcore.DebugLevel},
		{in: "0", want: zapcore.InfoLevel},
		{in: "-2", err: true},
		{in: "chatty", err: true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLevelFlag(t *testing.T) {
	log := New("test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v", "debug"}))
	assert.True(t, log.V(1).Enabled())

	require.NoError(t, fs.Parse([]string{"--verbosity", "error"}))
	assert.False(t, log.V(0).Enabled())
}
