package markd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/markd/internal/version"
	"pkt.systems/pslog"
)

const (
	otlpGRPCPort       = "4317"
	otlpHTTPPort       = "4318"
	otlpExportTimeout  = 10 * time.Second
	telemetryNamespace = "markd"
)

type telemetryConfig struct {
	OTLPEndpoint   string
	MetricsListen  string
	PprofListen    string
	RuntimeMetrics bool
}

func telemetryConfigFrom(cfg Config) telemetryConfig {
	return telemetryConfig{
		OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
		MetricsListen:  strings.TrimSpace(cfg.MetricsListen),
		PprofListen:    strings.TrimSpace(cfg.PprofListen),
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}
}

func (c telemetryConfig) empty() bool {
	return c.OTLPEndpoint == "" && c.MetricsListen == "" && c.PprofListen == "" && !c.RuntimeMetrics
}

// telemetry owns the trace/metric providers and the side listeners for
// /metrics and /debug/pprof.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	servers []*sideServer
	logger  pslog.Logger
	// MetricsAddr is the bound /metrics address, useful with ":0".
	MetricsAddr string
	PprofAddr   string
}

type sideServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// Shutdown flushes the providers and stops the side listeners. A nil
// telemetry is a no-op.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			t.logger.Warn("telemetry.shutdown.metrics_error", "error", err)
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, s := range t.servers {
		if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.server_error", "server", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", s.name, err))
		}
		_ = s.ln.Close()
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			t.logger.Warn("telemetry.shutdown.trace_error", "error", err)
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry returns nil when nothing is configured.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetry, error) {
	if cfg.empty() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.RuntimeMetrics && cfg.MetricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(telemetryNamespace),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if cfg.OTLPEndpoint != "" {
		target, err := resolveOTLPTarget(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracer)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(t.meter)
		if cfg.RuntimeMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meter))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		side, err := startSideServer("metrics", cfg.MetricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.servers = append(t.servers, side)
		t.MetricsAddr = side.ln.Addr().String()
		logger.Info("telemetry.metrics.enabled", "listen", t.MetricsAddr)
	}

	if cfg.PprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		side, err := startSideServer("pprof", cfg.PprofListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.servers = append(t.servers, side)
		t.PprofAddr = side.ln.Addr().String()
		logger.Info("profiling.pprof.enabled", "listen", t.PprofAddr)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

func startSideServer(name, addr string, handler http.Handler, logger pslog.Logger) (*sideServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.serve_error", "server", name, "error", err)
		}
	}()
	return &sideServer{name: name, srv: srv, ln: ln}, nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// resolveOTLPTarget accepts host[:port] (plain gRPC) or a
// grpc://, grpcs://, http:// or https:// URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, otlpGRPCPort), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(u.Host, otlpGRPCPort)
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(u.Host, otlpHTTPPort)
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = !strings.HasSuffix(strings.ToLower(u.Scheme), "s")
	return target, nil
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
