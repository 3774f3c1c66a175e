package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("rampart"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "rampart"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("rampart"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("rampart"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Validation span attributes
const (
	AttrRequestID      = "rampart.request.id"
	AttrUserID         = "rampart.user.id"
	AttrPolicyID       = "rampart.policy.id"
	AttrPromptLength   = "rampart.prompt.length"
	AttrStatus         = "rampart.status"
	AttrCached         = "rampart.cached"
	AttrLatencyMs      = "rampart.latency.ms"
	AttrDetectionCount = "rampart.detections.count"
	AttrDetectionTypes = "rampart.detections.types"
	AttrMaxSeverity    = "rampart.detections.max_severity"
	AttrPolicyAction   = "rampart.policy.action"
)

// Detection carries the attributes of a single detection for telemetry
// export
type Detection struct {
	Type       string
	Pattern    string
	Severity   string
	Category   string
	Confidence float64
}

// ValidationRecord contains all data for telemetry export
type ValidationRecord struct {
	RequestID    string
	UserID       string
	PolicyID     string
	Status       string
	Cached       bool
	LatencyMs    float64
	PromptLength int
	Detections   []Detection
}

// StartValidationSpan starts a span for a single prompt validation
func (p *Provider) StartValidationSpan(ctx context.Context, requestID, policyID string, promptLength int) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "pipeline.validate",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrPolicyID, policyID),
			attribute.Int(AttrPromptLength, promptLength),
		),
	)
	return ctx, span
}

// EndValidationSpan ends a validation span with outcome attributes
func (p *Provider) EndValidationSpan(span trace.Span, status string, detections int, cached bool, err error) {
	span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.Int(AttrDetectionCount, detections),
		attribute.Bool(AttrCached, cached),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// ExportValidationRecord exports a complete validation record with its
// detections to telemetry (audit trail for flagged prompts)
func (p *Provider) ExportValidationRecord(ctx context.Context, record ValidationRecord) {
	if !p.Enabled() {
		return
	}

	// Build detection type list and max severity for attributes
	var types []string
	maxSeverity := "low"
	severityOrder := map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

	for _, d := range record.Detections {
		types = append(types, d.Type)
		if severityOrder[d.Severity] > severityOrder[maxSeverity] {
			maxSeverity = d.Severity
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrRequestID, record.RequestID),
		attribute.String(AttrUserID, record.UserID),
		attribute.String(AttrPolicyID, record.PolicyID),
		attribute.String(AttrStatus, record.Status),
		attribute.Bool(AttrCached, record.Cached),
		attribute.Float64(AttrLatencyMs, record.LatencyMs),
		attribute.Int(AttrPromptLength, record.PromptLength),
		attribute.Int(AttrDetectionCount, len(record.Detections)),
		attribute.StringSlice(AttrDetectionTypes, types),
		attribute.String(AttrMaxSeverity, maxSeverity),
	}

	// Create validation record span with all attributes
	_, span := p.tracer.Start(ctx, "validation.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	// Add individual detection events for detailed tracking
	for _, d := range record.Detections {
		span.AddEvent("prompt.detection",
			trace.WithAttributes(
				attribute.String("detection_type", d.Type),
				attribute.String("matched_pattern", d.Pattern),
				attribute.String("severity", d.Severity),
				attribute.String("category", d.Category),
				attribute.Float64("confidence", d.Confidence),
			),
		)
	}

	span.End()

	slog.Debug("validation record exported to telemetry",
		"request_id", record.RequestID,
		"status", record.Status,
		"detections", len(record.Detections),
	)
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("rampart-noop"),
	}
}
