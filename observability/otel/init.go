package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultCollector = "localhost:4318"
	envEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envHeaders       = "OTEL_EXPORTER_OTLP_HEADERS"
	metricInterval   = 15 * time.Second
	spanBatchTimeout = 2 * time.Second
)

var errNoServiceName = errors.New("telemetry: service name required")

// Config selects which signals leaderboardd exports over OTLP/HTTP.
type Config struct {
	ServiceName string
	Environment string
	// Endpoint is host:port or a collector URL. A URL carries its own scheme
	// and path; plain http turns on Insecure.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Metrics  bool
	Traces   bool
	// SampleRatio is the fraction of root spans recorded. Values outside
	// (0, 1) record everything.
	SampleRatio float64
}

// WithEnvDefaults fills an empty endpoint and header set from the standard
// OTEL_EXPORTER_OTLP_* variables.
func (c Config) WithEnvDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = strings.TrimSpace(os.Getenv(envEndpoint))
	}
	if len(c.Headers) == 0 {
		c.Headers = ParseHeaders(os.Getenv(envHeaders))
	}
	return c
}

// collector is the exporter target derived from Config.Endpoint.
type collector struct {
	host     string
	path     string
	insecure bool
}

func resolveCollector(cfg Config) (collector, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return collector{host: defaultCollector, insecure: cfg.Insecure}, nil
	}
	if !strings.Contains(raw, "://") {
		return collector{host: raw, insecure: cfg.Insecure}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("telemetry: endpoint %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return collector{}, fmt.Errorf("telemetry: endpoint %q: unsupported scheme %q", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return collector{}, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	return collector{
		host:     parsed.Host,
		path:     strings.TrimSuffix(parsed.Path, "/"),
		insecure: cfg.Insecure || parsed.Scheme == "http",
	}, nil
}

// Telemetry owns the providers installed by Init.
type Telemetry struct {
	shutdowns []func(context.Context) error
}

// Shutdown flushes and stops every provider in reverse start order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdowns[i](ctx))
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

// Init installs global trace and meter providers for the enabled signals and
// the W3C propagators. With no signal enabled it installs nothing.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, errNoServiceName
	}
	tel := &Telemetry{}
	if !cfg.Traces && !cfg.Metrics {
		return tel, nil
	}
	target, err := resolveCollector(cfg)
	if err != nil {
		return nil, err
	}
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Traces {
		tp, err := tracerProvider(ctx, cfg, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := meterProvider(ctx, cfg, target, res)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tel, nil
}

func serviceResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func tracerProvider(ctx context.Context, cfg Config, target collector, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.host)}
	if target.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.path+"/v1/traces"))
	}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(spanBatchTimeout)),
	), nil
}

func meterProvider(ctx context.Context, cfg Config, target collector, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.host)}
	if target.path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(target.path+"/v1/metrics"))
	}
	if target.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	), nil
}

// ParseHeaders reads the key=value,key=value form of OTEL_EXPORTER_OTLP_HEADERS.
// Values are URL-decoded; malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[key] = value
	}
	return headers
}
