package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

const (
	DefaultServiceName    = "orchestrator"
	DefaultExportInterval = 15 * time.Second
)

// ExporterConfig selects where the meter provider pushes its data. An empty Endpoint
// keeps the provider local: instruments record but nothing is exported.
type ExporterConfig struct {
	Endpoint       string        `yaml:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure"`
	Interval       time.Duration `yaml:"interval"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
}

func (c ExporterConfig) Validate() error {
	if c.Interval < 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidArgument, "export interval cannot be negative", nil,
			map[string]any{"interval": c.Interval.String()})
	}
	return nil
}

// NewProvider builds an SDK meter provider. Callers own Shutdown.
func NewProvider(ctx context.Context, cfg ExporterConfig, readers ...sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "build metrics resource", err, nil)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	if cfg.Endpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "create otlp metric exporter", err,
				map[string]any{"endpoint": cfg.Endpoint})
		}
		interval := cfg.Interval
		if interval == 0 {
			interval = DefaultExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}
