package output

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"shieldscan/config"
	"shieldscan/logger"
	"shieldscan/store"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string

	// includePaths gates raw file paths out of exported payloads unless
	// the operator opts in.
	includePaths bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider:     provider,
		logger:       provider.Logger("shieldscan"),
		timeout:      cfg.OtelTimeout,
		endpoint:     endpoint,
		includePaths: cfg.OtelExportPaths,
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// EmitThreat exports one non-clean result. The file path is replaced by its
// digest unless path export was enabled.
func (o *otelLogger) EmitThreat(r store.FileResult) {
	if o == nil || o.logger == nil {
		return
	}
	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("shieldscan.threat")
	record.AddAttributes(
		otelLog.String("schema_version", SchemaVersion),
		otelLog.String("session_id", r.SessionID),
		otelLog.String("threat_level", r.ThreatLevel),
		otelLog.String("digest", r.Digest),
		otelLog.Int("depth", r.Depth),
	)
	if o.includePaths {
		record.AddAttributes(otelLog.String("path", r.Path))
	}
	if r.ReputationVerdict != nil {
		record.AddAttributes(otelLog.String("reputation_verdict", *r.ReputationVerdict))
	}
	record.SetBody(otelLog.StringValue(r.Matches))
	o.logger.Emit(context.Background(), record)
}

// EmitSummary exports the final session statistics.
func (o *otelLogger) EmitSummary(sess *store.Session) {
	if o == nil || o.logger == nil || sess == nil {
		return
	}
	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("shieldscan.session")
	record.AddAttributes(
		otelLog.String("schema_version", SchemaVersion),
		otelLog.String("session_id", sess.ID),
		otelLog.String("status", sess.Status),
		otelLog.Int64("files_seen", sess.Stats.FilesSeen),
		otelLog.Int64("files_processed", sess.Stats.FilesProcessed),
		otelLog.Int64("files_skipped", sess.Stats.FilesSkipped),
		otelLog.Int64("files_errored", sess.Stats.FilesErrored),
		otelLog.Int64("threats_found", sess.Stats.ThreatsFound),
		otelLog.Int64("bytes_scanned", sess.Stats.BytesScanned),
	)
	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}
