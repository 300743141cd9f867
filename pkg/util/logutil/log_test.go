package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPanic(t *testing.T) {
	tests := []struct {
		name    string
		recover func(logger *zap.Logger)
		level   zapcore.Level
		message string
	}{
		{name: "re-panic", recover: LogPanic, level: zapcore.ErrorLevel, message: "panic"},
		{name: "exit", recover: LogPanicAndExit, level: zapcore.FatalLevel, message: "panic and exit"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			obsZapCore, obsLogs := observer.New(zap.InfoLevel)
			// panic instead of exiting the test binary on Fatal
			obsLogger := zap.New(obsZapCore, zap.WithFatalHook(zapcore.WriteThenPanic))

			recovered := make(chan interface{})
			go func() {
				defer func() {
					recovered <- recover()
				}()
				defer tt.recover(obsLogger)
				panic("sweep loop exploded")
			}()
			re.NotNil(<-recovered)

			re.Equal([]observer.LoggedEntry{{
				Entry: zapcore.Entry{Level: tt.level, Message: tt.message},
				Context: []zapcore.Field{{
					Key:       "recover",
					Type:      zapcore.ReflectType,
					Interface: "sweep loop exploded",
				}},
			}}, obsLogs.AllUntimed())
		})
	}
}

func TestIncreaseLevel(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.DebugLevel)
	logger := IncreaseLevel(zap.New(obsZapCore), zapcore.WarnLevel)

	logger.Info("dropped")
	logger.Warn("kept")

	re.Equal(1, obsLogs.Len())
	re.Equal("kept", obsLogs.All()[0].Message)
}
