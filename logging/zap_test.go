package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/database64128/mvtun-go/tslog"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerKinds(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := NewLogger(tslog.Config{Level: slog.LevelInfo, Kind: tslog.KindJSON}, "", &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("Started service", slog.String("server", "mvs0"))
	if err = sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, `"msg":"Started service"`) || !strings.Contains(out, `"server":"mvs0"`) {
		t.Errorf("json output = %q", out)
	}

	logger, sync, err = NewLogger(tslog.Config{Level: slog.LevelWarn, Kind: tslog.KindZap}, "systemd", &buf)
	if err != nil {
		t.Fatalf("NewLogger(zap) failed: %v", err)
	}
	defer sync()
	if _, ok := logger.Handler().(*SlogHandler); !ok {
		t.Errorf("zap logger handler is %T, want *SlogHandler", logger.Handler())
	}
	if logger.Handler().Enabled(t.Context(), slog.LevelInfo) {
		t.Error("zap core enabled below the configured level")
	}
	buf.Reset()
	logger.Warn("Failed to send packet")
	if got, want := buf.String(), "WARN Failed to send packet\n"; got != want {
		t.Errorf("zap console output = %q, want %q", got, want)
	}

	if _, _, err = NewLogger(tslog.Config{Kind: tslog.KindZap}, filepath.Join(t.TempDir(), "missing.json"), &buf); err == nil {
		t.Error("NewLogger succeeded with a missing zap config file")
	}
}

func TestNewConsoleZapLogger(t *testing.T) {
	var buf bytes.Buffer
	zl := NewConsoleZapLogger(&buf, zapcore.DebugLevel, true, true)
	zl.Info("Session timed out")
	_ = zl.Sync()

	if got, want := buf.String(), "INFO Session timed out\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNewZapLoggerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zap.yaml")
	if err := os.WriteFile(path, []byte(`
level: warn
encoding: json
outputPaths: [stderr]
errorOutputPaths: [stderr]
encoderConfig:
  messageKey: msg
`), 0o644); err != nil {
		t.Fatalf("os.WriteFile failed: %v", err)
	}

	zl, err := NewZapLogger(path, zapcore.DebugLevel)
	if err != nil {
		t.Fatalf("NewZapLogger failed: %v", err)
	}
	if zl.Core().Enabled(zapcore.InfoLevel) {
		t.Error("file config level not applied")
	}
}

func TestLevelVar(t *testing.T) {
	for _, c := range []struct {
		text string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"dpanic", slog.LevelError},
		{"fatal", slog.LevelError},
	} {
		var l LevelVar
		if err := l.UnmarshalText([]byte(c.text)); err != nil {
			t.Errorf("UnmarshalText(%q) failed: %v", c.text, err)
			continue
		}
		if slog.Level(l) != c.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", c.text, slog.Level(l), c.want)
		}
	}

	var l LevelVar
	if err := l.UnmarshalText([]byte("loud")); err == nil {
		t.Error("UnmarshalText accepted an unknown level")
	}
}
