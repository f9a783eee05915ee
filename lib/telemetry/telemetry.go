package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"finclient/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config is the "telemetry" section of finclient.json5.
type Config struct {
	Traces  Exporter `json:"traces"`
	Metrics Exporter `json:"metrics"`
	// TraceSampleRatio is the share of traces started by this process that
	// are kept, it defaults to 1. Child spans follow their parent.
	TraceSampleRatio *float64 `json:"trace_sample_ratio"`
	// MetricInterval is how often metrics are pushed, it defaults to 5 seconds.
	MetricInterval string `json:"metric_interval"`
}

// Enabled is true when at least one signal has somewhere to go.
func (c Config) Enabled() bool {
	return c.Traces.Enabled() || c.Metrics.Enabled()
}

func (c Config) Validate() error {
	err := c.Traces.validate("traces")
	if err != nil {
		return err
	}
	err = c.Metrics.validate("metrics")
	if err != nil {
		return err
	}
	if c.TraceSampleRatio != nil && (*c.TraceSampleRatio < 0 || *c.TraceSampleRatio > 1) {
		return fmt.Errorf("telemetry: trace sample ratio %v is not within [0, 1]", *c.TraceSampleRatio)
	}
	return nil
}

func (c Config) sampler() sdktrace.Sampler {
	if c.TraceSampleRatio == nil {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*c.TraceSampleRatio))
}

func (c Config) metricInterval() time.Duration {
	if c.MetricInterval == "" {
		return time.Second * 5
	}
	interval, err := time.ParseDuration(c.MetricInterval)
	if err != nil || interval <= 0 {
		slog.Warn("invalid metric interval, using default", "value", c.MetricInterval)
		return time.Second * 5
	}
	return interval
}

var (
	providerLock   sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
)

// Setup installs global otel providers for the signals config enables.
// `attrs` are added to the resource of every span and metric, they are
// usually the Attr... keys describing the session.
func Setup(ctx context.Context, serviceName string, config Config, attrs ...attribute.KeyValue) error {
	err := config.Validate()
	if err != nil {
		return err
	}
	if !config.Enabled() {
		slog.Debug("telemetry has no exporters configured, nothing is exported")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	r, err := newResource(serviceName, attrs...)
	if err != nil {
		return err
	}

	var tp *sdktrace.TracerProvider
	if config.Traces.Enabled() {
		tp, err = newTracerProvider(ctx, r, config)
		if err != nil {
			return err
		}
	}
	var mp *sdkmetric.MeterProvider
	if config.Metrics.Enabled() {
		mp, err = newMeterProvider(ctx, r, config)
		if err != nil {
			if tp != nil {
				err = errors.Join(err, tp.Shutdown(ctx))
			}
			return err
		}
	}

	providerLock.Lock()
	tracerProvider = tp
	meterProvider = mp
	providerLock.Unlock()

	if tp != nil {
		otel.SetTracerProvider(tp)
	}
	if mp != nil {
		otel.SetMeterProvider(mp)
	}
	return nil
}

type fileConfig struct {
	Telemetry Config `json:"telemetry"`
}

// SetupFromEnv searches up the filesystem from the cwd for finclient.json5
// and sets up telemetry from its "telemetry" section.
func SetupFromEnv(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) error {
	config, err := configutil.ReadRecursively[fileConfig]("finclient.json5")
	if err != nil {
		return err
	}
	return Setup(ctx, serviceName, config.Telemetry, attrs...)
}

// Shutdown flushes and stops whatever providers Setup installed, it is a
// no-op if Setup was never called.
func Shutdown(ctx context.Context) error {
	providerLock.Lock()
	tp, mp := tracerProvider, meterProvider
	tracerProvider, meterProvider = nil, nil
	providerLock.Unlock()

	var errlist []error
	if tp != nil {
		errlist = append(errlist, tp.Shutdown(ctx))
	}
	if mp != nil {
		errlist = append(errlist, mp.Shutdown(ctx))
	}
	return errors.Join(errlist...)
}

var setupTestEnvironments = map[string]bool{}
var setupTestLock sync.Mutex

// SetupForTesting sets up telemetry for a test binary once per service name.
// Without a finclient.json5 around the tests still run, nothing is exported.
func SetupForTesting(serviceName string) func() {
	setupTestLock.Lock()
	defer setupTestLock.Unlock()

	if setupTestEnvironments[serviceName] {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	err := SetupFromEnv(context.Background(), serviceName)
	if err != nil {
		return func() {}
	}

	return func() {
		err := Shutdown(context.Background())
		if err != nil {
			panic(err)
		}
	}
}
