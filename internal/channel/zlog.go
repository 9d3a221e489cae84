// ABOUTME: Bridges the Matrix client's zerolog output into slog
// ABOUTME: Each JSON log line is decoded and re-emitted with its fields as attributes

package channel

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rs/zerolog"
)

// slogWriter receives zerolog's JSON lines.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		w.logger.Debug(string(p))
		return len(p), nil
	}

	msg, _ := fields[zerolog.MessageFieldName].(string)
	lvl, _ := fields[zerolog.LevelFieldName].(string)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.TimestampFieldName)

	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	w.logger.LogAttrs(context.Background(), slogLevel(lvl), msg, attrs...)
	return len(p), nil
}

// slogLevel maps zerolog levels, keeping the client's chatter below info
// unless it reports a problem.
func slogLevel(level string) slog.Level {
	switch level {
	case zerolog.LevelWarnValue:
		return slog.LevelWarn
	case zerolog.LevelErrorValue, zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// newZerolog returns a zerolog logger writing into logger. Debug output is
// only produced when logger would keep it.
func newZerolog(logger *slog.Logger) zerolog.Logger {
	level := zerolog.InfoLevel
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		level = zerolog.DebugLevel
	}
	return zerolog.New(slogWriter{logger: logger}).Level(level)
}
