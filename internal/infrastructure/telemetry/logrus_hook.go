package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "tidal"

// OTelHook forwards logrus entries to the global OpenTelemetry logger
// provider.
type OTelHook struct {
	levels []logrus.Level
}

// NewOTelHook exports entries at minLevel or more severe.
func NewOTelHook(minLevel logrus.Level) *OTelHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &OTelHook{levels}
}

func (h *OTelHook) Levels() []logrus.Level {
	return h.levels
}

func (h *OTelHook) Fire(e *logrus.Entry) error {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}
	global.GetLoggerProvider().Logger(serviceName).Emit(ctx, toRecord(ctx, e))
	return nil
}

func toRecord(ctx context.Context, e *logrus.Entry) log.Record {
	rec := log.Record{}
	rec.SetTimestamp(e.Time)
	rec.SetObservedTimestamp(time.Now())
	rec.SetSeverity(mapLevel(e.Level))
	rec.SetSeverityText(e.Level.String())
	rec.SetBody(log.StringValue(e.Message))
	rec.AddAttributes(log.String("logger", serviceName))

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		rec.AddAttributes(
			log.String("trace_id", spanCtx.TraceID().String()),
			log.String("span_id", spanCtx.SpanID().String()),
		)
	}

	for k, v := range e.Data {
		rec.AddAttributes(toAttribute(k, v))
	}
	return rec
}

func toAttribute(key string, v any) log.KeyValue {
	switch t := v.(type) {
	case string:
		return log.String(key, t)
	case bool:
		return log.Bool(key, t)
	case int:
		return log.Int(key, t)
	case int64:
		return log.Int64(key, t)
	case uint32:
		return log.Int64(key, int64(t))
	case float64:
		return log.Float64(key, t)
	case error:
		return log.String(key, t.Error())
	case fmt.Stringer:
		return log.String(key, t.String())
	default:
		return log.String(key, fmt.Sprintf("%v", v))
	}
}

func mapLevel(l logrus.Level) log.Severity {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return log.SeverityFatal
	case logrus.ErrorLevel:
		return log.SeverityError
	case logrus.WarnLevel:
		return log.SeverityWarn
	case logrus.DebugLevel:
		return log.SeverityDebug
	case logrus.TraceLevel:
		return log.SeverityTrace
	default:
		return log.SeverityInfo
	}
}
