// Package tracing configures OpenTelemetry for stepchat. Disabled tracing
// yields a no-op tracer, so instrumented code never checks.
package tracing

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultServiceName  = "stepchat"
	defaultOTLPEndpoint = "localhost:4317"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	// ExporterMemory keeps spans in process for Provider.Recorded.
	ExporterMemory = "memory"
)

// Config configures the tracing subsystem.
type Config struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"`
	FilePath     string  `mapstructure:"file_path" yaml:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
}

// DefaultConfig returns tracing disabled with file export preselected.
func DefaultConfig() Config {
	return Config{
		Exporter:     ExporterFile,
		OTLPEndpoint: defaultOTLPEndpoint,
		SampleRate:   1.0,
		ServiceName:  defaultServiceName,
	}
}

// Exporters lists the accepted exporter names, sorted.
func Exporters() []string {
	names := make([]string, 0, len(exporters)+1)
	for name := range exporters {
		names = append(names, name)
	}
	names = append(names, ExporterMemory)
	sort.Strings(names)
	return names
}

var exporters = map[string]func(Config) (sdktrace.SpanExporter, error){
	ExporterNone: func(Config) (sdktrace.SpanExporter, error) { return nil, nil },
	ExporterFile: func(cfg Config) (sdktrace.SpanExporter, error) {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		return NewFileExporter(cfg.FilePath)
	},
	ExporterStdout: func(Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	ExporterOTLP: func(cfg Config) (sdktrace.SpanExporter, error) {
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	},
}

// Provider owns one SDK tracer provider. Providers are independent: none of
// them installs itself as the otel global, so each replay run traces alone.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	memory   *tracetest.InMemoryExporter
}

// NewProvider builds a Provider from cfg.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(defaultServiceName)}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}

	p := &Provider{}
	if cfg.Exporter == ExporterMemory {
		p.memory = tracetest.NewInMemoryExporter()
		opts = append(opts, sdktrace.WithSyncer(p.memory))
	} else {
		build, ok := exporters[cfg.Exporter]
		if !ok && cfg.Exporter != "" {
			return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
		}
		if ok {
			exp, err := build(cfg)
			if err != nil {
				return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
			}
			if exp != nil {
				opts = append(opts, sdktrace.WithBatcher(exp))
			}
		}
	}

	p.provider = sdktrace.NewTracerProvider(opts...)
	p.tracer = p.provider.Tracer(serviceName)
	return p, nil
}

// Tracer returns the tracer; a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled returns whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Recorded returns the ended spans of a memory exporter in end order, or
// nil for every other exporter.
func (p *Provider) Recorded() []SpanRecord {
	if p.memory == nil {
		return nil
	}
	stubs := p.memory.GetSpans()
	out := make([]SpanRecord, 0, len(stubs))
	for _, s := range stubs.Snapshots() {
		out = append(out, toRecord(s))
	}
	return out
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
