// Package telemetry exports connection metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics contains the metric instruments for a transport instance.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	stateTransitionCounter metric.Int64Counter
	commandRetryCounter    metric.Int64Counter
	connectionCounter      metric.Int64UpDownCounter
	payloadCounter         metric.Int64Counter
	pollLoadGauge          metric.Int64Gauge
}

// NewMetrics creates a metrics instance exporting to collectorAddr. The URL
// scheme selects the OTLP transport: grpc/grpcs or http/https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	// Determine exporter endpoint (host and port)
	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" { // If host is empty (e.g. schemeless addr like "localhost:4317")
		if parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/") { // Path might contain host:port
			exporterEndpoint = parsedURL.Path
		} else if parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/") {
			exporterEndpoint = parsedURL.Opaque
		} else if collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			exporterEndpoint = collectorAddr
		} else {
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("efastream"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		} // For https, secure transport is default
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", parsedURL.Scheme, collectorAddr)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", parsedURL.Scheme, exporterEndpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)

	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/yuuki/efastream")

	stateTransitionCounter, err := meter.Int64Counter(
		"efastream.probe.state_transitions",
		metric.WithDescription("Number of probe state machine transitions"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	commandRetryCounter, err := meter.Int64Counter(
		"efastream.probe.command_retries",
		metric.WithDescription("Number of probe commands re-sent after an ack timeout"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	connectionCounter, err := meter.Int64UpDownCounter(
		"efastream.connections.up",
		metric.WithDescription("Number of endpoints currently in the connected state"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	payloadCounter, err := meter.Int64Counter(
		"efastream.payloads",
		metric.WithDescription("Number of payloads transmitted or received"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	pollLoadGauge, err := meter.Int64Gauge(
		"efastream.poll.load",
		metric.WithDescription("Poll goroutine busy ratio in hundredths of a percent"),
		metric.WithUnit("{ratio}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:               provider,
		meter:                  meter,
		stateTransitionCounter: stateTransitionCounter,
		commandRetryCounter:    commandRetryCounter,
		connectionCounter:      connectionCounter,
		payloadCounter:         payloadCounter,
		pollLoadGauge:          pollLoadGauge,
	}, nil
}

// ProbeStateTransition implements the probe observer contract.
func (m *Metrics) ProbeStateTransition(direction, from, to string) {
	m.stateTransitionCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("from", from),
			attribute.String("to", to),
		))
}

// ProbeCommandRetry implements the probe observer contract.
func (m *Metrics) ProbeCommandRetry(direction string) {
	m.commandRetryCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// ConnectionUp records an endpoint entering the connected state.
func (m *Metrics) ConnectionUp(remote string) {
	m.connectionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("remote", remote)))
}

// ConnectionDown records an endpoint leaving the connected state.
func (m *Metrics) ConnectionDown(remote string) {
	m.connectionCounter.Add(context.Background(), -1,
		metric.WithAttributes(attribute.String("remote", remote)))
}

// RecordPayload counts one completed payload.
func (m *Metrics) RecordPayload(direction string) {
	m.payloadCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordPollLoad records a poll goroutine's rolling busy ratio.
func (m *Metrics) RecordPollLoad(pollThreadID int, load int) {
	m.pollLoadGauge.Record(context.Background(), int64(load),
		metric.WithAttributes(attribute.Int("poll_thread_id", pollThreadID)))
}

// Shutdown stops the metrics provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
