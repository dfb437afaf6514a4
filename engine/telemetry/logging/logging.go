package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	internaltracing "github.com/raceboard/eta-server/engine/internal/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing trace/span correlation
// injection on top of a structured logrus logger.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, fields logrus.Fields)
	ErrorCtx(ctx context.Context, msg string, fields logrus.Fields)
}

type correlatedLogger struct{ base *logrus.Logger }

// New returns a correlated Logger wrapper around base.
func New(base *logrus.Logger) Logger {
	if base == nil {
		base = logrus.New()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, fields logrus.Fields) {
	l.entryFor(ctx, fields).Info(msg)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, fields logrus.Fields) {
	l.entryFor(ctx, fields).Error(msg)
}

func (l *correlatedLogger) entryFor(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return l.base.WithFields(fields)
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["trace_id"] = traceID
	fields["span_id"] = spanID
	return l.base.WithFields(fields)
}
