package logging

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SlogHandler is a [slog.Handler] that writes records to a [zapcore.Core].
type SlogHandler struct {
	core   zapcore.Core
	groups []string
}

// NewSlogHandler returns a [*SlogHandler] that writes to core.
func NewSlogHandler(core zapcore.Core) *SlogHandler {
	return &SlogHandler{core: core}
}

// SlogLevelToZap maps a [slog.Level] to the closest [zapcore.Level].
func SlogLevelToZap(level slog.Level) zapcore.Level {
	switch {
	case level < slog.LevelInfo:
		return zapcore.DebugLevel
	case level < slog.LevelWarn:
		return zapcore.InfoLevel
	case level < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Enabled implements [slog.Handler.Enabled].
func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.core.Enabled(SlogLevelToZap(level))
}

// Handle implements [slog.Handler.Handle].
func (h *SlogHandler) Handle(_ context.Context, r slog.Record) error {
	ent := zapcore.Entry{
		Level:   SlogLevelToZap(r.Level),
		Time:    r.Time,
		Message: r.Message,
	}
	if ent.Time.IsZero() {
		ent.Time = time.Now()
	}
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		ent.Caller = zapcore.NewEntryCaller(frame.PC, frame.File, frame.Line, true)
	}

	ce := h.core.Check(ent, nil)
	if ce == nil {
		return nil
	}

	fields := make([]zapcore.Field, 0, r.NumAttrs())
	r.Attrs(func(attr slog.Attr) bool {
		fields = appendAttr(fields, attr)
		return true
	})
	ce.Write(h.nest(fields)...)
	return nil
}

// WithAttrs implements [slog.Handler.WithAttrs].
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]zapcore.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = appendAttr(fields, attr)
	}
	return &SlogHandler{
		core:   h.core.With(h.nest(fields)),
		groups: h.groups,
	}
}

// WithGroup implements [slog.Handler.WithGroup].
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, len(h.groups), len(h.groups)+1)
	copy(groups, h.groups)
	return &SlogHandler{
		core:   h.core,
		groups: append(groups, name),
	}
}

// nest wraps fields in the handler's open groups, innermost last.
func (h *SlogHandler) nest(fields []zapcore.Field) []zapcore.Field {
	for i := len(h.groups) - 1; i >= 0; i-- {
		fields = []zapcore.Field{zap.Dict(h.groups[i], fields...)}
	}
	return fields
}

func appendAttr(fields []zapcore.Field, attr slog.Attr) []zapcore.Field {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return fields
	}

	switch attr.Value.Kind() {
	case slog.KindBool:
		return append(fields, zap.Bool(attr.Key, attr.Value.Bool()))
	case slog.KindDuration:
		return append(fields, zap.Duration(attr.Key, attr.Value.Duration()))
	case slog.KindFloat64:
		return append(fields, zap.Float64(attr.Key, attr.Value.Float64()))
	case slog.KindInt64:
		return append(fields, zap.Int64(attr.Key, attr.Value.Int64()))
	case slog.KindString:
		return append(fields, zap.String(attr.Key, attr.Value.String()))
	case slog.KindTime:
		return append(fields, zap.Time(attr.Key, attr.Value.Time()))
	case slog.KindUint64:
		return append(fields, zap.Uint64(attr.Key, attr.Value.Uint64()))
	case slog.KindGroup:
		group := attr.Value.Group()
		groupFields := make([]zapcore.Field, 0, len(group))
		for _, a := range group {
			groupFields = appendAttr(groupFields, a)
		}
		if attr.Key == "" {
			return append(fields, groupFields...)
		}
		return append(fields, zap.Dict(attr.Key, groupFields...))
	default:
		if err, ok := attr.Value.Any().(error); ok {
			return append(fields, zap.NamedError(attr.Key, err))
		}
		return append(fields, zap.Any(attr.Key, attr.Value.Any()))
	}
}
