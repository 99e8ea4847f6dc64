package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.ErrorIs(t, err, errNoServiceName)
}

func TestInitWithoutSignalsInstallsNothing(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "leaderboardd"})
	require.NoError(t, err)
	require.Empty(t, tel.shutdowns)
	require.NoError(t, tel.Shutdown(context.Background()))
	require.NoError(t, (*Telemetry)(nil).Shutdown(context.Background()))
}

func TestInitRejectsUnknownScheme(t *testing.T) {
	_, err := Init(context.Background(), Config{ServiceName: "leaderboardd", Traces: true, Endpoint: "grpc://collector:4317"})
	require.ErrorContains(t, err, "unsupported scheme")
}

func TestResolveCollector(t *testing.T) {
	target, err := resolveCollector(Config{})
	require.NoError(t, err)
	require.Equal(t, collector{host: defaultCollector}, target)

	target, err = resolveCollector(Config{Endpoint: "otel.internal:4318", Insecure: true})
	require.NoError(t, err)
	require.Equal(t, collector{host: "otel.internal:4318", insecure: true}, target)

	target, err = resolveCollector(Config{Endpoint: "http://otel.internal:4318/otlp/"})
	require.NoError(t, err)
	require.Equal(t, collector{host: "otel.internal:4318", path: "/otlp", insecure: true}, target)

	target, err = resolveCollector(Config{Endpoint: "https://otel.example"})
	require.NoError(t, err)
	require.Equal(t, collector{host: "otel.example"}, target)

	_, err = resolveCollector(Config{Endpoint: "https://"})
	require.Error(t, err)
}

func TestWithEnvDefaults(t *testing.T) {
	t.Setenv(envEndpoint, "http://collector:4318")
	t.Setenv(envHeaders, "api-key=abc%3D%3D")

	cfg := Config{ServiceName: "leaderboardd"}.WithEnvDefaults()
	require.Equal(t, "http://collector:4318", cfg.Endpoint)
	require.Equal(t, map[string]string{"api-key": "abc=="}, cfg.Headers)

	explicit := Config{Endpoint: "otel:4318", Headers: map[string]string{"x": "y"}}.WithEnvDefaults()
	require.Equal(t, "otel:4318", explicit.Endpoint)
	require.Equal(t, map[string]string{"x": "y"}, explicit.Headers)
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer abc, x-team = games ,broken,=empty")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-team":        "games",
	}, headers)
}

func TestSamplerHonoursRatio(t *testing.T) {
	require.Contains(t, sampler(0).Description(), "AlwaysOn")
	require.Contains(t, sampler(1).Description(), "AlwaysOn")
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
