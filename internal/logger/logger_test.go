package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(t *testing.T, level logrus.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})

	prev := GetLogger()
	SetLogger(l)
	t.Cleanup(func() { SetLogger(prev) })
	return &buf
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "file output",
			config: Config{
				Level:      "info",
				File:       filepath.Join(t.TempDir(), "miraibot.log"),
				MaxSize:    1,
				MaxBackups: 1,
				MaxAge:     1,
			},
		},
		{
			name:   "stdout only",
			config: Config{Level: "debug", EnableStdout: true},
		},
		{
			name:   "file and stdout",
			config: Config{Level: "warn", File: filepath.Join(t.TempDir(), "both.log"), EnableStdout: true},
		},
		{
			name:   "invalid level",
			config: Config{Level: "loud"},
		},
		{
			name:   "no writers",
			config: Config{Level: "info"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, InitLogger(tt.config))
			assert.NotNil(t, GetLogger())
		})
	}
}

func TestInitLogger_CreatesLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	require.NoError(t, InitLogger(Config{Level: "info", File: filepath.Join(dir, "bot.log")}))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogLevelSetting(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"invalid", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			require.NoError(t, InitLogger(Config{Level: tt.level}))
			assert.Equal(t, tt.expected, GetLogger().GetLevel())
		})
	}
}

func TestFormatterSetting(t *testing.T) {
	require.NoError(t, InitLogger(Config{Level: "debug"}))
	assert.IsType(t, &logrus.TextFormatter{}, GetLogger().Formatter)

	require.NoError(t, InitLogger(Config{Level: "info"}))
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)
}

func TestLogFunctions_RespectLevel(t *testing.T) {
	buf := captureLogger(t, logrus.InfoLevel)

	Debug("debug message")
	Info("info message")
	Warnf("warn %s", "message")
	Errorf("error %d", 42)

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.Contains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error 42")
}

func TestForComponent(t *testing.T) {
	buf := captureLogger(t, logrus.InfoLevel)

	ForComponent("scheduler").WithField("job", "daily").Info("job-fired")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"job":"daily"`)
	assert.Contains(t, out, "job-fired")
}

func TestWithFields(t *testing.T) {
	buf := captureLogger(t, logrus.InfoLevel)

	WithFields(logrus.Fields{"group": 123, "handler": "echo"}).Info("handler-enabled")
	WithField("sync_id", "abc").Warn("correlation-miss")

	out := buf.String()
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "correlation-miss")
}
