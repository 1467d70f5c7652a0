// Package logging builds the loggers used by the tunnel services.
//
// Services log through [*tslog.Logger]. With [tslog.KindZap], records are handed
// to a zap core built from one of the presets below.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/tslog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// consolePresets maps console preset names to their (noColor, noTime) options.
var consolePresets = map[string][2]bool{
	"console":         {false, false},
	"console-nocolor": {true, false},
	"console-notime":  {false, true},
	"systemd":         {true, true},
}

// NewLogger returns the logger selected by cfg, writing to w.
//
// For [tslog.KindZap], zapPreset names the zap configuration (see [NewZapLogger]),
// and the returned sync function flushes the zap logger. It must be called before exit.
// Only console presets write to w.
func NewLogger(cfg tslog.Config, zapPreset string, w io.Writer) (logger *tslog.Logger, sync func() error, err error) {
	if cfg.Kind != tslog.KindZap {
		return cfg.NewLogger(w), func() error { return nil }, nil
	}

	zl, err := newZapLogger(zapPreset, SlogLevelToZap(cfg.Level), w)
	if err != nil {
		return nil, nil, err
	}
	return cfg.NewLoggerWithHandler(NewSlogHandler(zl.Core())), zl.Sync, nil
}

// NewZapLogger returns a new [*zap.Logger] with the given preset and log level.
//
// The available presets are:
//
//   - "console" (default): Console output for interactive use.
//   - "console-nocolor": Same as "console", but without color.
//   - "console-notime": Same as "console", but without timestamps.
//   - "systemd": Without color and timestamps, for journald.
//   - "production": Zap's built-in JSON production preset.
//   - "development": Zap's built-in development preset.
//
// Any other preset is treated as a path to a JSON or YAML zap configuration file.
// The log level does not apply to the "production", "development", or file presets.
func NewZapLogger(preset string, level zapcore.Level) (*zap.Logger, error) {
	return newZapLogger(preset, level, os.Stderr)
}

func newZapLogger(preset string, level zapcore.Level, w io.Writer) (*zap.Logger, error) {
	if preset == "" {
		preset = "console"
	}

	if opts, ok := consolePresets[preset]; ok {
		return NewConsoleZapLogger(w, level, opts[0], opts[1]), nil
	}

	var cfg zap.Config
	switch preset {
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		if err := jsonhelper.LoadConfig(preset, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load zap config %q: %w", preset, err)
		}
	}
	return cfg.Build()
}

// NewConsoleZapLogger creates a [*zap.Logger] writing console lines to w.
func NewConsoleZapLogger(w io.Writer, level zapcore.Level, noColor, noTime bool) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(newConsoleEncoderConfig(noColor, noTime))
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	if noTime {
		// The sampler needs a real clock, so the time is dropped by the encoder instead.
		return zap.New(core, zap.WithClock(zeroClock{}))
	}
	return zap.New(core)
}

func newConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		MessageKey:       "M",
		StacktraceKey:    "S",
		FunctionKey:      zapcore.OmitKey,
		CallerKey:        zapcore.OmitKey,
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout(time.DateTime + ".000"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}
	return ec
}

// zeroClock implements [zapcore.Clock] with a zero-value Now.
type zeroClock struct{}

func (zeroClock) Now() time.Time {
	return time.Time{}
}

func (zeroClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// LevelVar is a [slog.Level] flag value that also accepts zap level names.
type LevelVar slog.Level

// UnmarshalText implements [encoding.TextUnmarshaler].
func (l *LevelVar) UnmarshalText(text []byte) error {
	var sl slog.Level
	if err := sl.UnmarshalText(text); err == nil {
		*l = LevelVar(sl)
		return nil
	}

	var zl zapcore.Level
	if err := zl.UnmarshalText(text); err != nil {
		return fmt.Errorf("unknown log level %q", text)
	}
	switch {
	case zl <= zapcore.DebugLevel:
		*l = LevelVar(slog.LevelDebug)
	case zl == zapcore.InfoLevel:
		*l = LevelVar(slog.LevelInfo)
	case zl == zapcore.WarnLevel:
		*l = LevelVar(slog.LevelWarn)
	default:
		*l = LevelVar(slog.LevelError)
	}
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (l LevelVar) MarshalText() ([]byte, error) {
	return slog.Level(l).MarshalText()
}
