package logger

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// Slog returns a *slog.Logger that writes through this logger, for
// libraries that only accept slog. Every line carries component.
func (l *Logger) Slog(component string) *slog.Logger {
	return slog.New(&slogHandler{
		logger: l.Logger,
		fields: logrus.Fields{"component": component},
	})
}

type slogHandler struct {
	logger *logrus.Logger
	fields logrus.Fields
	group  string
}

func slogToLogrus(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.IsLevelEnabled(slogToLogrus(level))
}

func (h *slogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.fields)+r.NumAttrs())
	for k, v := range h.fields {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.key(a.Key)] = a.Value.Any()
		return true
	})
	h.logger.WithFields(fields).WithTime(r.Time).Log(slogToLogrus(r.Level), r.Message)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(logrus.Fields, len(h.fields)+len(attrs))
	for k, v := range h.fields {
		fields[k] = v
	}
	for _, a := range attrs {
		fields[h.key(a.Key)] = a.Value.Any()
	}
	return &slogHandler{logger: h.logger, fields: fields, group: h.group}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{logger: h.logger, fields: h.fields, group: h.key(name)}
}
