package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m)
	require.Same(t, m, GetMetrics())

	// instruments bound to the global no-op provider must be usable
	require.NotNil(t, m.RequestsTotal)
	require.NotNil(t, m.StageDuration)
	m.RequestsTotal.Add(context.Background(), 1)
	m.StageDuration.Record(context.Background(), 1.5)
}
