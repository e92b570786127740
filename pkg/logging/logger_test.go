package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}

	if cfg.Pretty != false {
		t.Error("Expected default pretty to be false")
	}

	if cfg.FilePath != "" {
		t.Errorf("Expected no log file by default, got %q", cfg.FilePath)
	}

	if cfg.MaxSizeMB != 100 {
		t.Errorf("Expected MaxSizeMB 100, got %d", cfg.MaxSizeMB)
	}
}

func TestSetup_WritesWorkerEvents(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		emit  func(zerolog.Logger)
		want  []string
	}{
		{
			name:  "install at info",
			level: LevelInfo,
			emit: func(l zerolog.Logger) {
				l.Info().Str("version", "1000").Str("state", "installed").Msg("Install complete")
			},
			want: []string{`"level":"info"`, `"version":"1000"`, `"state":"installed"`, "Install complete"},
		},
		{
			name:  "strategy decision at debug",
			level: LevelDebug,
			emit: func(l zerolog.Logger) {
				l.Debug().Str("url", "https://app.test/app.css").Str("strategy", "network_first").Msg("Routed")
			},
			want: []string{`"level":"debug"`, `"strategy":"network_first"`, "https://app.test/app.css"},
		},
		{
			name:  "refresh failure at warn",
			level: LevelWarn,
			emit: func(l zerolog.Logger) {
				l.Warn().Int("status", 503).Msg("Background refresh failed")
			},
			want: []string{`"level":"warn"`, `"status":503`},
		},
		{
			name:  "install failure at error",
			level: LevelError,
			emit: func(l zerolog.Logger) {
				l.Error().Str("namespace", "static-v1000").Msg("Install failed")
			},
			want: []string{`"level":"error"`, `"namespace":"static-v1000"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.emit(Setup(Config{Level: tt.level, Output: buf}))

			output := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("Expected output to contain %q, got %q", want, output)
				}
			}
		})
	}
}

func TestSetup_NilOutputFallsBackToStderr(t *testing.T) {
	logger := Setup(Config{Level: LevelError})
	// Must not panic.
	logger.Debug().Msg("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"WARNING", zerolog.WarnLevel},
		{"trace", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("strategy")
	logger.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, `"component":"strategy"`) {
		t.Errorf("Expected output to contain the component field, got %q", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected output to contain 'test message', got %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelWarn,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("lifecycle")

	// Below warn: dropped
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")

	// Warn and above: kept
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	output := buf.String()

	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered out at Warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered out at Warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Warn message should be included at Warn level")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should be included at Warn level")
	}
}

func TestSetup_FileOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	path := filepath.Join(t.TempDir(), "worker.log")

	logger := Setup(Config{
		Level:    LevelInfo,
		Pretty:   true,
		Output:   buf,
		FilePath: path,
	})
	logger.Info().Str("namespace", "static-v1000").Msg("install complete")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file to be written: %v", err)
	}
	if !strings.Contains(string(data), `"namespace":"static-v1000"`) {
		t.Errorf("Expected JSON line in log file, got %q", data)
	}
	if !strings.Contains(buf.String(), "install complete") {
		t.Errorf("Expected console output as well, got %q", buf.String())
	}
}
