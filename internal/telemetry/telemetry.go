// Package telemetry installs the OpenTelemetry tracer and meter providers
// used by the separation engine and model repositories.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/chaz8081/gostem/internal/config"
)

// Telemetry owns the installed providers and the optional metrics server.
type Telemetry struct {
	metrics  http.Handler
	server   *http.Server
	shutdown []func(context.Context) error
}

// Setup installs global providers according to cfg. Traces go to stderr
// ("stdout" exporter, pretty printed) or to an OTLP gRPC collector; metrics
// are exposed in Prometheus format when PrometheusBind is set.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string) (*Telemetry, error) {
	return setup(ctx, cfg, version, os.Stderr)
}

func setup(ctx context.Context, cfg config.TelemetryConfig, version string, traceOut io.Writer) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("gostem"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry resource")
	}

	t := &Telemetry{}
	if err := t.initTracer(ctx, cfg, res, traceOut); err != nil {
		return nil, err
	}
	if cfg.PrometheusBind != "" {
		if err := t.initMetrics(cfg.PrometheusBind, res); err != nil {
			t.Shutdown(ctx)
			return nil, err
		}
	}
	return t, nil
}

func (t *Telemetry) initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, out io.Writer) error {
	var exporter sdktrace.SpanExporter
	switch cfg.Traces {
	case "", "none":
		return nil
	case "otlp":
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return errors.Wrap(err, "otlp trace exporter")
		}
		exporter = exp
		slog.Info("telemetry initialized", "exporter", "otlp", "endpoint", endpoint)
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return errors.Wrap(err, "stdout trace exporter")
		}
		exporter = exp
		slog.Info("telemetry initialized", "exporter", "stdout")
	default:
		return errors.Newf("unknown trace exporter %q", cfg.Traces)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.shutdown = append(t.shutdown, tp.Shutdown)
	return nil
}

func (t *Telemetry) initMetrics(bind string, res *resource.Resource) error {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return errors.Wrap(err, "prometheus exporter")
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)
	t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", bind)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.metrics)
	t.server = &http.Server{Handler: mux}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// MetricsHandler returns the Prometheus handler, or nil when metrics are off.
func (t *Telemetry) MetricsHandler() http.Handler { return t.metrics }

// Shutdown flushes exporters and stops the metrics server. It returns the
// first failure; later ones are logged.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var first error
	record := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
			return
		}
		slog.Warn("telemetry shutdown", "error", err)
	}
	if t.server != nil {
		record(t.server.Shutdown(ctx))
	}
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		record(t.shutdown[i](ctx))
	}
	return first
}
