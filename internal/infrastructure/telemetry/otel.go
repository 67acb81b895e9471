package telemetry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// InitOtelSDK installs a global logger provider pushing batches to the
// OTLP collector at endpoint every pushInterval.
func InitOtelSDK(ctx context.Context, endpoint string, pushInterval time.Duration) (func(), error) {
	exporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
	}

	opts := []sdklog.BatchProcessorOption{}
	if pushInterval > 0 {
		opts = append(opts, sdklog.WithExportInterval(pushInterval))
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter, opts...)),
	)
	global.SetLoggerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shutdown otel logger provider")
		}
	}, nil
}
