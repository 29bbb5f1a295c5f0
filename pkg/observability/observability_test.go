package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "benchdepot", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationDisabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "relay.resolve", attribute.String("uri", "https://relay.example.com/abc"))
	require.NotNil(t, ctx)
	require.NotPanics(t, func() { done(errors.New("boom")) })

	_, done = p.TrackOperation(context.Background(), "relay.stream")
	require.NotPanics(t, func() { done(nil) })
}

func TestREDMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	p := &Provider{config: DefaultConfig(), meter: mp.Meter("test"), logger: slog.Default()}
	require.NoError(t, p.initREDMetrics())

	_, done := p.TrackOperation(ctx, "relay.stream")
	done(errors.New("short read"))
	_, done = p.TrackOperation(ctx, "relay.stream")
	done(nil)
	p.RecordIntake(ctx, "SUCCESS_RECORDED")
	p.RecordTarball(ctx, 4096)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), sums["benchdepot.operations.total"])
	require.Equal(t, int64(1), sums["benchdepot.errors.total"])
	require.Equal(t, int64(0), sums["benchdepot.operations.active"])
	require.Equal(t, int64(1), sums["benchdepot.relay.intakes"])
}
